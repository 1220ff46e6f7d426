/*
   Copyright The WSandbox Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package vfs

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Stat is the subset of inode metadata a VirtualProvider reports for a
// path relative to its mount point.
type Stat struct {
	IsDir       bool
	Size        int64
	Permissions uint32
}

// VirtualProvider is the capability set a mount point delegates path
// resolution to once the walked prefix reaches the mount. relPath is
// always POSIX-normalized and never has a leading slash ("" means the
// mount root itself).
type VirtualProvider interface {
	ReadFile(relPath string) ([]byte, error)
	WriteFile(relPath string, data []byte) error
	Readdir(relPath string) ([]string, error)
	Stat(relPath string) (Stat, error)
	Exists(relPath string) bool
}

// HostMount exposes a flat name->bytes map as a provider, optionally
// writable. It models the read-only host bundles the sandbox ships
// coreutils/python standard library files through.
type HostMount struct {
	mu       sync.RWMutex
	files    map[string][]byte
	writable bool
}

// NewHostMount builds a HostMount from an initial file set. The map is
// copied; later mutation of files by the caller has no effect.
func NewHostMount(files map[string][]byte, writable bool) *HostMount {
	m := &HostMount{files: make(map[string][]byte, len(files)), writable: writable}
	for k, v := range files {
		cp := make([]byte, len(v))
		copy(cp, v)
		m.files[normalizeRel(k)] = cp
	}
	return m
}

func normalizeRel(p string) string {
	return strings.Trim(p, "/")
}

func (m *HostMount) ReadFile(relPath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[normalizeRel(relPath)]
	if !ok {
		return nil, errNoEnt(relPath)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *HostMount) WriteFile(relPath string, data []byte) error {
	if !m.writable {
		return errRO(relPath)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[normalizeRel(relPath)] = cp
	return nil
}

func (m *HostMount) Readdir(relPath string) ([]string, error) {
	prefix := normalizeRel(relPath)
	if prefix != "" {
		prefix += "/"
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for name := range m.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		if !seen[rest] {
			seen[rest] = true
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *HostMount) Stat(relPath string) (Stat, error) {
	rel := normalizeRel(relPath)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if data, ok := m.files[rel]; ok {
		perm := uint32(0o644)
		if m.writable {
			perm = 0o644
		} else {
			perm = 0o444
		}
		return Stat{IsDir: false, Size: int64(len(data)), Permissions: perm}, nil
	}
	prefix := rel
	if prefix != "" {
		prefix += "/"
	}
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			return Stat{IsDir: true, Permissions: 0o755}, nil
		}
	}
	if rel == "" {
		return Stat{IsDir: true, Permissions: 0o755}, nil
	}
	return Stat{}, errNoEnt(relPath)
}

func (m *HostMount) Exists(relPath string) bool {
	_, err := m.Stat(relPath)
	return err == nil
}

// DevProvider serves synthetic device files: /dev/null, /dev/zero and
// /dev/urandom. It never permits directory listing below the mount
// point beyond the fixed device set.
type DevProvider struct{}

// NewDevProvider returns a provider for /dev.
func NewDevProvider() *DevProvider { return &DevProvider{} }

func (DevProvider) ReadFile(relPath string) ([]byte, error) {
	switch normalizeRel(relPath) {
	case "null":
		return []byte{}, nil
	case "zero":
		return make([]byte, 4096), nil
	case "urandom":
		buf := make([]byte, 256)
		_, _ = rand.Read(buf)
		return buf, nil
	}
	return nil, errNoEnt(relPath)
}

func (DevProvider) WriteFile(relPath string, _ []byte) error {
	switch normalizeRel(relPath) {
	case "null", "zero":
		return nil
	}
	return errRO(relPath)
}

func (DevProvider) Readdir(relPath string) ([]string, error) {
	if normalizeRel(relPath) != "" {
		return nil, errNotDir(relPath)
	}
	return []string{"null", "zero", "urandom"}, nil
}

func (DevProvider) Stat(relPath string) (Stat, error) {
	switch normalizeRel(relPath) {
	case "":
		return Stat{IsDir: true, Permissions: 0o755}, nil
	case "null", "zero", "urandom":
		return Stat{IsDir: false, Permissions: 0o666}, nil
	}
	return Stat{}, errNoEnt(relPath)
}

func (DevProvider) Exists(relPath string) bool {
	switch normalizeRel(relPath) {
	case "", "null", "zero", "urandom":
		return true
	}
	return false
}

// ProcProvider serves synthetic process metadata, currently just
// /proc/self/environ, NUL-joined per Linux convention.
type ProcProvider struct {
	mu  sync.RWMutex
	env map[string]string
}

// NewProcProvider returns a provider for /proc backed by env, which the
// Sandbox keeps current as the process environment changes.
func NewProcProvider(env map[string]string) *ProcProvider {
	p := &ProcProvider{env: map[string]string{}}
	for k, v := range env {
		p.env[k] = v
	}
	return p
}

// SetEnv replaces the environment snapshot /proc/self/environ reports.
func (p *ProcProvider) SetEnv(env map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.env = map[string]string{}
	for k, v := range env {
		p.env[k] = v
	}
}

func (p *ProcProvider) environBytes() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.env))
	for k := range p.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b []byte
	for _, k := range keys {
		b = append(b, []byte(fmt.Sprintf("%s=%s", k, p.env[k]))...)
		b = append(b, 0)
	}
	return b
}

func (p *ProcProvider) ReadFile(relPath string) ([]byte, error) {
	if normalizeRel(relPath) == "self/environ" {
		return p.environBytes(), nil
	}
	return nil, errNoEnt(relPath)
}

func (p *ProcProvider) WriteFile(relPath string, _ []byte) error {
	return errRO(relPath)
}

func (p *ProcProvider) Readdir(relPath string) ([]string, error) {
	switch normalizeRel(relPath) {
	case "":
		return []string{"self"}, nil
	case "self":
		return []string{"environ"}, nil
	}
	return nil, errNotDir(relPath)
}

func (p *ProcProvider) Stat(relPath string) (Stat, error) {
	switch normalizeRel(relPath) {
	case "", "self":
		return Stat{IsDir: true, Permissions: 0o555}, nil
	case "self/environ":
		return Stat{IsDir: false, Size: int64(len(p.environBytes())), Permissions: 0o444}, nil
	}
	return Stat{}, errNoEnt(relPath)
}

func (p *ProcProvider) Exists(relPath string) bool {
	_, err := p.Stat(relPath)
	return err == nil
}
