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

// Package fd implements the per-process file-descriptor table layered
// over the VFS: open/read/write/seek/dup/close with snapshot-on-open
// semantics, plus a reserved control-fd slot used by the Python socket
// shim extension.
package fd

import (
	"sync"

	"github.com/wsandbox/sandbox/internal/pathutil"
	"github.com/wsandbox/sandbox/internal/vfs"
)

// Mode is the open mode a caller requests.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
	ModeReadWrite
)

// ControlFD is reserved for the socket-shim control channel and is never
// handed out by Open.
const ControlFD = 1023

const firstUserFD = 3

// Kind mirrors vfs.Kind for fd-table specific errors.
type Kind string

// EBADF is returned for any operation on a closed or unknown fd.
const EBADF Kind = "EBADF"

// Error is returned by Table operations on a closed or unknown fd.
// Other failures (a bad path, a missing file) come from pathutil or the
// VFS unchanged.
type Error struct {
	Kind Kind
	FD   int
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func errBadF(fd int) error {
	return &Error{Kind: EBADF, FD: fd, Msg: "EBADF: bad file descriptor"}
}

// entry is the mutable state behind one or more fds (dup shares an
// entry's buffer but not its offset).
type entry struct {
	path   string
	mode   Mode
	buffer *[]byte
	dirty  *bool
}

type handle struct {
	e      *entry
	offset int64
}

// Table is a process's open-file table. The zero value is not usable;
// construct one with New.
type Table struct {
	mu      sync.Mutex
	v       *vfs.VFS
	handles map[int]*handle
	next    int
}

// New returns an empty table bound to v. Fds 0-2 (stdio) are never
// represented here; the process manager routes them to per-process
// stdio streams directly.
func New(v *vfs.VFS) *Table {
	return &Table{v: v, handles: make(map[int]*handle), next: firstUserFD}
}

func (t *Table) allocFD() int {
	for {
		fd := t.next
		t.next++
		if fd == ControlFD {
			continue
		}
		if _, used := t.handles[fd]; !used {
			return fd
		}
	}
}

// Open allocates a new fd ≥ 3 (never ControlFD) over path in mode.
func (t *Table) Open(path string, mode Mode) (int, error) {
	path, err := pathutil.Normalize(path)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf []byte
	dirty := false
	var offset int64

	switch mode {
	case ModeRead, ModeReadWrite:
		data, err := t.v.ReadFile(path)
		if err != nil {
			return 0, err
		}
		buf = data
	case ModeWrite:
		buf = []byte{}
		dirty = true
	case ModeAppend:
		if data, err := t.v.ReadFile(path); err == nil {
			buf = data
		} else {
			buf = []byte{}
		}
		dirty = true
		offset = int64(len(buf))
	}

	e := &entry{path: path, mode: mode, buffer: &buf, dirty: &dirty}
	fd := t.allocFD()
	t.handles[fd] = &handle{e: e, offset: offset}
	return fd, nil
}

func (t *Table) get(fd int) (*handle, error) {
	h, ok := t.handles[fd]
	if !ok {
		return nil, errBadF(fd)
	}
	return h, nil
}

// Read copies up to len(p) bytes starting at the fd's current offset,
// advancing it, and returns the number of bytes read (0 at EOF).
func (t *Table) Read(fd int, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	buf := *h.e.buffer
	if h.offset >= int64(len(buf)) {
		return 0, nil
	}
	n := copy(p, buf[h.offset:])
	h.offset += int64(n)
	return n, nil
}

// Write writes p at the fd's current offset (or at the end, in append
// mode), growing the backing buffer as needed, and advances the offset.
func (t *Table) Write(fd int, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	buf := *h.e.buffer
	if h.e.mode == ModeAppend {
		buf = append(buf, p...)
		h.offset = int64(len(buf))
	} else {
		needed := h.offset + int64(len(p))
		if int64(len(buf)) < needed {
			grown := make([]byte, needed)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[h.offset:], p)
		h.offset += int64(len(p))
	}
	*h.e.buffer = buf
	*h.e.dirty = true
	return len(p), nil
}

// Whence selects the reference point for Seek.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// Seek repositions the fd's offset, clamping negative results to 0.
func (t *Table) Seek(fd int, offset int64, whence Whence) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = h.offset
	case SeekEnd:
		base = int64(len(*h.e.buffer))
	}
	n := base + offset
	if n < 0 {
		n = 0
	}
	h.offset = n
	return n, nil
}

// Truncate resizes the file backing fd, padding with zero bytes when
// growing.
func (t *Table) Truncate(fd int, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.get(fd)
	if err != nil {
		return err
	}
	buf := *h.e.buffer
	if size < 0 {
		size = 0
	}
	if int64(len(buf)) > size {
		buf = buf[:size]
	} else if int64(len(buf)) < size {
		grown := make([]byte, size)
		copy(grown, buf)
		buf = grown
	}
	*h.e.buffer = buf
	*h.e.dirty = true
	if h.offset > size {
		h.offset = size
	}
	return nil
}

// Dup creates a new fd sharing the same underlying buffer as fd but with
// an independent offset, positioned at fd's current offset.
func (t *Table) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	nfd := t.allocFD()
	t.handles[nfd] = &handle{e: h.e, offset: h.offset}
	return nfd, nil
}

// Close flushes a dirty buffer back to the VFS and releases the fd.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.get(fd)
	if err != nil {
		return err
	}
	delete(t.handles, fd)
	if !*h.e.dirty {
		return nil
	}
	return t.v.WriteFile(h.e.path, *h.e.buffer)
}

// Clone produces an independent table over the same VFS, deep-copying
// every open buffer, for fork-style simulation.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := &Table{v: t.v, handles: make(map[int]*handle, len(t.handles)), next: t.next}
	seen := make(map[*entry]*entry)
	for fd, h := range t.handles {
		ne, ok := seen[h.e]
		if !ok {
			buf := append([]byte(nil), *h.e.buffer...)
			dirty := *h.e.dirty
			ne = &entry{path: h.e.path, mode: h.e.mode, buffer: &buf, dirty: &dirty}
			seen[h.e] = ne
		}
		nt.handles[fd] = &handle{e: ne, offset: h.offset}
	}
	return nt
}

// Path returns the path fd was opened against, for diagnostics.
func (t *Table) Path(fd int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.get(fd)
	if err != nil {
		return "", err
	}
	return h.e.path, nil
}
