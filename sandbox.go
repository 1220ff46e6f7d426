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

// Package sandbox wires every subsystem — VFS, WASI host, process
// manager, shell runner, network gateway, worker executor, persistence
// and extension registry — into the single top-level object an
// embedder constructs and calls: one constructor, one small set of
// methods, all the wiring decisions made in one place so call sites
// stay simple.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wsandbox/sandbox/internal/extension"
	"github.com/wsandbox/sandbox/internal/network"
	"github.com/wsandbox/sandbox/internal/persistence"
	"github.com/wsandbox/sandbox/internal/process"
	"github.com/wsandbox/sandbox/internal/shell"
	"github.com/wsandbox/sandbox/internal/vfs"
	"github.com/wsandbox/sandbox/internal/wasirt"
	"github.com/wsandbox/sandbox/internal/worker"
)

// PersistenceMode selects how a Sandbox's state survives across runs.
type PersistenceMode string

const (
	// PersistenceEphemeral never loads or saves state; Dispose discards it.
	PersistenceEphemeral PersistenceMode = "ephemeral"
	// PersistenceSession loads/saves against Backend but is typically
	// paired with a MemoryBackend, so state survives the Sandbox's
	// lifetime but not process restart.
	PersistenceSession PersistenceMode = "session"
	// PersistencePersistent loads/saves against a durable Backend
	// (typically a FileBackend) so state survives process restart.
	PersistencePersistent PersistenceMode = "persistent"
)

// Mount describes one entry of Config.Mounts: either a flat file set
// (mounted as a HostMount) or a caller-supplied VirtualProvider for
// DevProvider/ProcProvider/custom providers.
type Mount struct {
	Path     string
	Files    map[string][]byte
	Writable bool
	Provider vfs.VirtualProvider
}

// PersistenceConfig controls how a Sandbox's VFS is saved and restored
// across its lifetime.
type PersistenceConfig struct {
	Mode       PersistenceMode
	Namespace  string
	AutosaveMs int
	Backend    persistence.Backend
}

// Config holds the options New uses to build a Sandbox.
type Config struct {
	WasmDir       string
	ShellWasmPath string
	Mounts        []Mount
	PythonPath    []string
	Network       network.Policy
	Limits        process.Limits
	TimeoutMs     int
	Persistence   PersistenceConfig
	Extensions    []extension.Config
	Log           *logrus.Entry
}

// Sandbox is a top-level container owning one VFS, one environment, one
// persistence binding and one worker slot, per the glossary definition.
type Sandbox struct {
	mu sync.Mutex

	vfs     *vfs.VFS
	adapter *wasirt.Adapter
	mgr     *process.Manager
	shell   *shell.Runner
	gateway *network.Gateway
	bridge  *network.Bridge
	worker  *worker.Executor
	ext     *extension.Registry
	persist *persistence.Manager

	mode      PersistenceMode
	namespace string
	log       *logrus.Entry
}

// New constructs a Sandbox from cfg. The VFS starts at its default
// layout, then cfg.Mounts is applied in order, then — if
// cfg.Persistence.Mode is not ephemeral — any previously saved blob
// under cfg.Persistence.Namespace is imported over it.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	v := vfs.NewDefault()
	for _, m := range cfg.Mounts {
		prov := m.Provider
		if prov == nil {
			prov = vfs.NewHostMount(m.Files, m.Writable)
		}
		if err := v.Mount(m.Path, prov); err != nil {
			return nil, fmt.Errorf("sandbox: mount %s: %w", m.Path, err)
		}
	}

	adapter := wasirt.NewAdapter(ctx)
	mgr := process.NewManager(adapter, v, log)
	if cfg.WasmDir != "" {
		if err := registerToolDir(mgr, cfg.WasmDir); err != nil {
			adapter.Close(ctx)
			return nil, err
		}
	}

	shellRunner := shell.NewRunner(mgr, cfg.ShellWasmPath, initialEnv(cfg.PythonPath))
	limits := cfg.Limits
	if cfg.TimeoutMs > 0 {
		limits.DeadlineMs = cfg.TimeoutMs
	}
	shellRunner.SetLimits(limits)

	gateway := network.NewGateway(cfg.Network, nil)
	bridge := network.NewBridge(gateway)
	if _, err := network.Instantiate(ctx, mgr.Runtime(), gateway); err != nil {
		adapter.Close(ctx)
		return nil, fmt.Errorf("sandbox: build network host imports: %w", err)
	}

	extReg := extension.NewRegistry(mgr)
	for _, ec := range cfg.Extensions {
		if err := extReg.Register(ec); err != nil {
			adapter.Close(ctx)
			return nil, fmt.Errorf("sandbox: register extension %s: %w", ec.Name, err)
		}
	}
	if _, err := extReg.Instantiate(ctx, mgr.Runtime()); err != nil {
		adapter.Close(ctx)
		return nil, fmt.Errorf("sandbox: build extension host imports: %w", err)
	}

	mode := cfg.Persistence.Mode
	if mode == "" {
		mode = PersistenceEphemeral
	}
	backend := cfg.Persistence.Backend
	if backend == nil {
		backend = persistence.NewMemoryBackend()
	}
	persistMgr := persistence.NewManager(backend, cfg.Persistence.AutosaveMs, log)
	namespace := cfg.Persistence.Namespace
	if namespace == "" {
		namespace = "default"
	}

	sb := &Sandbox{
		vfs:       v,
		adapter:   adapter,
		mgr:       mgr,
		shell:     shellRunner,
		gateway:   gateway,
		bridge:    bridge,
		worker:    worker.NewExecutor(mgr),
		ext:       extReg,
		persist:   persistMgr,
		mode:      mode,
		namespace: namespace,
		log:       log,
	}

	if mode != PersistenceEphemeral {
		if blob, err := persistMgr.Load(namespace); err == nil {
			if env, err := persistence.Import(v, blob); err != nil {
				log.WithError(err).Warn("sandbox: discarding unreadable persisted state")
			} else {
				for k, val := range env {
					shellRunner.SetEnv(k, val)
				}
			}
		}
		v.SetOnChange(func() { persistMgr.OnChange(namespace, sb.exportBlob) })
	}

	return sb, nil
}

func initialEnv(pythonPath []string) map[string]string {
	path := strings.Join(append(append([]string{}, pythonPath...), "/usr/lib/python"), ":")
	return map[string]string{
		"PATH":       "/usr/bin:/bin",
		"HOME":       "/home/user",
		"PYTHONPATH": path,
	}
}

// registerToolDir registers one tool per *.wasm file directly under
// dir, named after its basename without extension.
func registerToolDir(mgr *process.Manager, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sandbox: read wasmDir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wasm" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".wasm")
		mgr.RegisterTool(name, filepath.Join(dir, e.Name()))
	}
	return nil
}

func (sb *Sandbox) exportBlob() ([]byte, error) {
	return persistence.Export(sb.vfs, sb.shell.Env())
}

// Run executes command through the shell runner, on the calling
// goroutine — execution is single-threaded cooperative per sandbox
// outside of worker mode.
func (sb *Sandbox) Run(ctx context.Context, command string) (process.RunResult, error) {
	return sb.shell.Run(ctx, command)
}

// RunInWorker executes one simple tool invocation on the sandbox's
// background worker goroutine, so a caller can Kill it independent of
// the calling goroutine's own cancellation.
func (sb *Sandbox) RunInWorker(ctx context.Context, tool string, opts process.SpawnOpts, deadlineMs int) worker.RunResponse {
	return sb.worker.Run(ctx, worker.RunRequest{Tool: tool, Opts: opts, DeadlineMs: deadlineMs})
}

// Kill terminates the sandbox's current worker invocation, if any.
func (sb *Sandbox) Kill() {
	sb.worker.Kill()
}

// ReadFile, WriteFile, Mkdir, Mkdirp, Readdir, Stat, Unlink, Rmdir,
// Rename, Chmod, Symlink and Exists delegate directly to the VFS; a
// Sandbox does not add semantics of its own over these operations.
func (sb *Sandbox) ReadFile(path string) ([]byte, error)      { return sb.vfs.ReadFile(path) }
func (sb *Sandbox) WriteFile(path string, b []byte) error     { return sb.vfs.WriteFile(path, b) }
func (sb *Sandbox) Mkdir(path string) error                   { return sb.vfs.Mkdir(path) }
func (sb *Sandbox) Mkdirp(path string) error                  { return sb.vfs.Mkdirp(path) }
func (sb *Sandbox) Readdir(path string) ([]string, error)     { return sb.vfs.Readdir(path) }
func (sb *Sandbox) Stat(path string) (vfs.FileInfo, error)    { return sb.vfs.Stat(path) }
func (sb *Sandbox) Unlink(path string) error                  { return sb.vfs.Unlink(path) }
func (sb *Sandbox) Rmdir(path string) error                   { return sb.vfs.Rmdir(path) }
func (sb *Sandbox) Rename(oldPath, newPath string) error      { return sb.vfs.Rename(oldPath, newPath) }
func (sb *Sandbox) Chmod(path string, mode uint32) error      { return sb.vfs.Chmod(path, mode) }
func (sb *Sandbox) Symlink(target, linkPath string) error     { return sb.vfs.Symlink(target, linkPath) }
func (sb *Sandbox) Exists(path string) bool                   { return sb.vfs.Exists(path) }

// Mount attaches a virtual provider at path, live.
func (sb *Sandbox) Mount(path string, m Mount) error {
	prov := m.Provider
	if prov == nil {
		prov = vfs.NewHostMount(m.Files, m.Writable)
	}
	return sb.vfs.Mount(path, prov)
}

// Unmount detaches the provider at path.
func (sb *Sandbox) Unmount(path string) error {
	return sb.vfs.Unmount(path)
}

// Snapshot captures the entire current VFS tree and returns an opaque id.
func (sb *Sandbox) Snapshot() (string, error) {
	return sb.vfs.Snapshot()
}

// Restore replaces the current VFS tree with a deep copy of the tree
// captured under id.
func (sb *Sandbox) Restore(id string) error {
	return sb.vfs.Restore(id)
}

// Fork returns a new Sandbox sharing this one's adapter, wasm registry
// and network/extension configuration but with a copy-on-write clone
// of the VFS that shares no mutable state with the parent. The
// returned Sandbox has its own shell history and its own persistence
// binding under namespace; it is the caller's responsibility to Dispose it.
func (sb *Sandbox) Fork(namespace string) *Sandbox {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	childVFS := sb.vfs.CowClone()
	childMgr := process.NewManager(sb.adapter, childVFS, sb.log)
	// The wasm tool registry lives on the Manager, not the VFS; re-point
	// a fresh Manager at the same compiled-module cache (shared via the
	// Adapter) rather than re-scanning disk.
	for name, tool := range sb.mgr.Tools() {
		childMgr.RegisterTool(name, tool.Location)
	}

	childShell := shell.NewRunner(childMgr, sb.shell.ModulePath(), sb.shell.Env())
	childShell.SetLimits(sb.shell.Limits())

	child := &Sandbox{
		vfs:       childVFS,
		adapter:   sb.adapter,
		mgr:       childMgr,
		shell:     childShell,
		gateway:   sb.gateway,
		bridge:    network.NewBridge(sb.gateway),
		worker:    worker.NewExecutor(childMgr),
		ext:       sb.ext,
		persist:   sb.persist,
		mode:      sb.mode,
		namespace: namespace,
		log:       sb.log,
	}
	if child.mode != PersistenceEphemeral {
		childVFS.SetOnChange(func() { child.persist.OnChange(namespace, child.exportBlob) })
	}
	return child
}

// ExportState serializes the non-mounted VFS subtree and environment
// to a versioned blob.
func (sb *Sandbox) ExportState() ([]byte, error) {
	return sb.exportBlob()
}

// ImportState replaces the current non-mounted VFS subtree and
// environment from a previously exported blob; mounts are preserved.
func (sb *Sandbox) ImportState(blob []byte) error {
	env, err := persistence.Import(sb.vfs, blob)
	if err != nil {
		return err
	}
	for k, v := range env {
		sb.shell.SetEnv(k, v)
	}
	return nil
}

// Extensions exposes the registry so embedders can register additional
// extensions after construction (e.g. ones whose Handler closes over
// the constructed Sandbox itself).
func (sb *Sandbox) Extensions() *extension.Registry {
	return sb.ext
}

// Dispose flushes any pending autosave and releases the wazero runtime.
// A disposed Sandbox must not be used again.
func (sb *Sandbox) Dispose(ctx context.Context) error {
	if sb.mode != PersistenceEphemeral {
		sb.persist.Flush(sb.namespace)
	}
	sb.persist.Dispose()
	return sb.adapter.Close(ctx)
}
