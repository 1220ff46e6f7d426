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

// Package vfs implements the sandbox's in-memory virtual filesystem: an
// inode tree with copy-on-write forks, snapshots, mount providers and a
// change-notification hook. There is no backing real filesystem; every
// byte a guest ever reads or writes lives in this tree or in one of its
// mounted providers.
package vfs

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wsandbox/sandbox/internal/pathutil"
)

const maxSymlinkDepth = 40

// NodeKind identifies the variant of a resolved path.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDir
	KindSymlink
)

// FileInfo is the metadata VFS.Stat returns for a resolved path.
type FileInfo struct {
	Kind          NodeKind
	Size          int64
	Permissions   uint32
	MTime         time.Time
	CTime         time.Time
	ATime         time.Time
	SymlinkTarget string
}

func (fi FileInfo) IsDir() bool { return fi.Kind == KindDir }

// VFS is the public, path-based filesystem API. The zero value is not
// usable; construct one with New or NewDefault.
type VFS struct {
	mu        sync.RWMutex
	root      *inode
	mounts    map[string]VirtualProvider
	onChange  func()
	snapshots map[string]*inode
}

// New returns an empty VFS containing only the root directory.
func New() *VFS {
	return &VFS{
		root:      newDirInode(defaultDirMode),
		mounts:    make(map[string]VirtualProvider),
		snapshots: make(map[string]*inode),
	}
}

// NewDefault returns a VFS pre-populated with the sandbox's default
// layout: /home/user, /tmp, /bin, /usr/bin, /usr/lib/python, plus
// /dev and /proc synthetic mounts.
func NewDefault() *VFS {
	v := New()
	for _, d := range []string{"/home/user", "/tmp", "/bin", "/usr/bin", "/usr/lib/python"} {
		_ = v.Mkdirp(d)
	}
	_ = v.Mount("/dev", NewDevProvider())
	_ = v.Mount("/proc", NewProcProvider(nil))
	return v
}

// SetOnChange installs a callback fired (synchronously, after the
// mutation completes) whenever an operation changes the serializable
// core tree. Passing nil disables notification.
func (v *VFS) SetOnChange(cb func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = cb
}

func (v *VFS) notify() {
	if v.onChange != nil {
		v.onChange()
	}
}

// SetEnv pushes env to the mounted ProcProvider (if any), so
// /proc/self/environ reflects the process environment a caller just
// changed instead of the snapshot taken when the provider was mounted.
// It is a no-op if no ProcProvider is mounted.
func (v *VFS) SetEnv(env map[string]string) {
	v.mu.RLock()
	var proc *ProcProvider
	for _, p := range v.mounts {
		if pp, ok := p.(*ProcProvider); ok {
			proc = pp
			break
		}
	}
	v.mu.RUnlock()
	if proc != nil {
		proc.SetEnv(env)
	}
}

// findMount returns the longest mount whose path is a prefix of path.
// Callers must hold v.mu (read or write).
func (v *VFS) findMount(path string) (mnt string, prov VirtualProvider, rel string, ok bool) {
	best := -1
	for m, p := range v.mounts {
		if pathutil.HasPrefix(path, m) && len(m) > best {
			best, mnt, prov, ok = len(m), m, p, true
		}
	}
	if ok {
		rel = pathutil.TrimPrefix(path, mnt)
	}
	return
}

// resolve walks path from root, following symlinks (including the final
// component, if followFinal) and enforcing the ELOOP bound. It never
// crosses into a mount; callers check findMount first.
func (v *VFS) resolve(path string, followFinal bool) (*inode, error) {
	return v.resolveHops(path, followFinal, new(int))
}

func (v *VFS) resolveHops(path string, followFinal bool, hops *int) (*inode, error) {
	segs := pathutil.Segments(path)
	cur := v.root
	curPath := "/"
	for i, seg := range segs {
		if cur.kind != kindDir {
			return nil, errNotDir(curPath)
		}
		child := cur.get(seg)
		if child == nil {
			return nil, errNoEnt(path)
		}
		childPath, _ := pathutil.Join(curPath, seg)
		isFinal := i == len(segs)-1
		if child.kind == kindSymlink && (!isFinal || followFinal) {
			*hops++
			if *hops > maxSymlinkDepth {
				return nil, errLoop(path)
			}
			target := child.target
			var targetAbs string
			if strings.HasPrefix(target, "/") {
				targetAbs, _ = pathutil.Normalize(target)
			} else {
				targetAbs, _ = pathutil.Join(curPath, target)
			}
			resolved, err := v.resolveHops(targetAbs, true, hops)
			if err != nil {
				return nil, err
			}
			child = resolved
			childPath = targetAbs
		}
		cur = child
		curPath = childPath
	}
	return cur, nil
}

// resolveParent resolves the parent directory of path and returns it
// along with path's final component. The parent itself must already
// exist and be a directory.
func (v *VFS) resolveParent(path string) (*inode, string, error) {
	dir, name := pathutil.Split(path)
	if name == "" {
		return nil, "", errInvalid(path, "path has no parent")
	}
	parent, err := v.resolve(dir, true)
	if err != nil {
		return nil, "", err
	}
	if parent.kind != kindDir {
		return nil, "", errNotDir(dir)
	}
	return parent, name, nil
}

func normPath(p string) (string, error) {
	return pathutil.Normalize(p)
}

func infoOf(n *inode) FileInfo {
	fi := FileInfo{
		Permissions: n.permissions,
		MTime:       n.mtime,
		CTime:       n.ctime,
		ATime:       n.atime,
	}
	switch n.kind {
	case kindDir:
		fi.Kind = KindDir
	case kindSymlink:
		fi.Kind = KindSymlink
		fi.SymlinkTarget = n.target
	default:
		fi.Kind = KindFile
		fi.Size = int64(len(n.data))
	}
	return fi
}

func infoOfProvider(st Stat) FileInfo {
	fi := FileInfo{Permissions: st.Permissions, Size: st.Size}
	if st.IsDir {
		fi.Kind = KindDir
	} else {
		fi.Kind = KindFile
	}
	return fi
}

// ReadFile returns a copy of the bytes stored at path.
func (v *VFS) ReadFile(path string) ([]byte, error) {
	path, err := normPath(path)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, prov, rel, ok := v.findMount(path); ok {
		return prov.ReadFile(rel)
	}
	n, err := v.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if n.kind == kindDir {
		return nil, errIsDir(path)
	}
	if n.kind != kindFile {
		return nil, errInvalid(path, "not a regular file")
	}
	out := make([]byte, len(n.data))
	copy(out, n.data)
	return out, nil
}

// WriteFile replaces the full contents of path, creating it if absent.
func (v *VFS) WriteFile(path string, data []byte) error {
	path, err := normPath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, prov, rel, ok := v.findMount(path); ok {
		return prov.WriteFile(rel, data)
	}
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	cp := append([]byte(nil), data...)
	if child := parent.get(name); child != nil {
		if child.kind == kindDir {
			return errIsDir(path)
		}
		child.data = cp
		child.mtime = time.Now()
	} else {
		n := newFileInode(defaultFileMode)
		n.data = cp
		parent.put(name, n)
	}
	v.notify()
	return nil
}

// Mkdir creates a single directory; the parent must already exist.
func (v *VFS) Mkdir(path string) error {
	path, err := normPath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, _, rel, ok := v.findMount(path); ok && rel == "" {
		return errExist(path)
	}
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	if parent.get(name) != nil {
		return errExist(path)
	}
	parent.put(name, newDirInode(defaultDirMode))
	v.notify()
	return nil
}

// Mkdirp creates path and any missing intermediate directories.
func (v *VFS) Mkdirp(path string) error {
	path, err := normPath(path)
	if err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	segs := pathutil.Segments(path)
	cur := v.root
	for _, seg := range segs {
		if cur.kind != kindDir {
			return errNotDir(path)
		}
		child := cur.get(seg)
		if child == nil {
			child = newDirInode(defaultDirMode)
			cur.put(seg, child)
		} else if child.kind != kindDir {
			return errNotDir(path)
		}
		cur = child
	}
	v.notify()
	return nil
}

// Readdir lists the names directly contained in path, in creation order.
// At a mount point, provider entries are merged with (and take
// precedence over) any physical children of the same name.
func (v *VFS) Readdir(path string) ([]string, error) {
	path, err := normPath(path)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	mnt, prov, rel, ok := v.findMount(path)
	if ok && rel != "" {
		return prov.Readdir(rel)
	}
	n, err := v.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if n.kind != kindDir {
		return nil, errNotDir(path)
	}
	names := n.list()
	if !ok || mnt != path {
		return names, nil
	}
	provNames, err := prov.Readdir("")
	if err != nil {
		return names, nil
	}
	seen := make(map[string]bool, len(provNames))
	merged := make([]string, 0, len(names)+len(provNames))
	for _, pn := range provNames {
		seen[pn] = true
		merged = append(merged, pn)
	}
	for _, nm := range names {
		if !seen[nm] {
			merged = append(merged, nm)
		}
	}
	return merged, nil
}

// Stat returns metadata for path without reading file contents.
func (v *VFS) Stat(path string) (FileInfo, error) {
	path, err := normPath(path)
	if err != nil {
		return FileInfo{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, prov, rel, ok := v.findMount(path); ok {
		st, err := prov.Stat(rel)
		if err != nil {
			return FileInfo{}, err
		}
		return infoOfProvider(st), nil
	}
	n, err := v.resolve(path, true)
	if err != nil {
		return FileInfo{}, err
	}
	return infoOf(n), nil
}

// Exists reports whether path resolves to anything.
func (v *VFS) Exists(path string) bool {
	_, err := v.Stat(path)
	return err == nil
}

// Lstat is like Stat but does not follow a symlink at the final path
// component, so callers can discover SymlinkTarget instead of the
// target's own metadata.
func (v *VFS) Lstat(path string) (FileInfo, error) {
	path, err := normPath(path)
	if err != nil {
		return FileInfo{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, prov, rel, ok := v.findMount(path); ok {
		st, err := prov.Stat(rel)
		if err != nil {
			return FileInfo{}, err
		}
		return infoOfProvider(st), nil
	}
	n, err := v.resolve(path, false)
	if err != nil {
		return FileInfo{}, err
	}
	return infoOf(n), nil
}

// Unlink removes a file or symlink. It refuses to remove directories.
func (v *VFS) Unlink(path string) error {
	path, err := normPath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, prov, rel, ok := v.findMount(path); ok {
		return prov.WriteFile(rel, nil)
	}
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	child := parent.get(name)
	if child == nil {
		return errNoEnt(path)
	}
	if child.kind == kindDir {
		return errIsDir(path)
	}
	parent.remove(name)
	v.notify()
	return nil
}

// Rmdir removes an empty directory.
func (v *VFS) Rmdir(path string) error {
	path, err := normPath(path)
	if err != nil {
		return err
	}
	if path == "/" {
		return errInvalid(path, "cannot remove root")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, _, rel, ok := v.findMount(path); ok {
		_ = rel
		return errRO(path)
	}
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	child := parent.get(name)
	if child == nil {
		return errNoEnt(path)
	}
	if child.kind != kindDir {
		return errNotDir(path)
	}
	if len(child.names) != 0 {
		return errNotEmpty(path)
	}
	parent.remove(name)
	v.notify()
	return nil
}

// Rename moves oldPath to newPath. Both must resolve within the core
// tree; renaming across a mount boundary is not supported.
func (v *VFS) Rename(oldPath, newPath string) error {
	oldPath, err := normPath(oldPath)
	if err != nil {
		return err
	}
	newPath, err = normPath(newPath)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, _, _, ok := v.findMount(oldPath); ok {
		return errInvalid(oldPath, "cannot rename across a mount")
	}
	if _, _, _, ok := v.findMount(newPath); ok {
		return errInvalid(newPath, "cannot rename across a mount")
	}
	oldParent, oldName, err := v.resolveParent(oldPath)
	if err != nil {
		return err
	}
	node := oldParent.get(oldName)
	if node == nil {
		return errNoEnt(oldPath)
	}
	newParent, newName, err := v.resolveParent(newPath)
	if err != nil {
		return err
	}
	if existing := newParent.get(newName); existing != nil {
		if existing.kind == kindDir && len(existing.names) != 0 {
			return errNotEmpty(newPath)
		}
	}
	oldParent.remove(oldName)
	newParent.put(newName, node)
	v.notify()
	return nil
}

// Chmod sets the permission bits of path.
func (v *VFS) Chmod(path string, mode uint32) error {
	path, err := normPath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, _, _, ok := v.findMount(path); ok {
		return errRO(path)
	}
	n, err := v.resolve(path, true)
	if err != nil {
		return err
	}
	n.permissions = mode
	n.ctime = time.Now()
	v.notify()
	return nil
}

// Symlink creates a symlink at linkPath pointing at target. target is
// stored verbatim and resolved lazily, so it may reference a path that
// does not exist yet.
func (v *VFS) Symlink(target, linkPath string) error {
	linkPath, err := normPath(linkPath)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, _, _, ok := v.findMount(linkPath); ok {
		return errRO(linkPath)
	}
	parent, name, err := v.resolveParent(linkPath)
	if err != nil {
		return err
	}
	if parent.get(name) != nil {
		return errExist(linkPath)
	}
	parent.put(name, newSymlinkInode(target))
	v.notify()
	return nil
}

// Mount attaches provider at path. A directory is created at path if one
// does not already exist, so that listings of its parent show it.
func (v *VFS) Mount(path string, provider VirtualProvider) error {
	path, err := normPath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.mounts[path]; ok {
		return errExist(path)
	}
	if path != "/" {
		segs := pathutil.Segments(path)
		cur := v.root
		for _, seg := range segs {
			child := cur.get(seg)
			if child == nil {
				child = newDirInode(defaultDirMode)
				cur.put(seg, child)
			} else if child.kind != kindDir {
				return errNotDir(path)
			}
			cur = child
		}
	}
	v.mounts[path] = provider
	v.notify()
	return nil
}

// Unmount detaches the provider at path. The physical directory created
// for the mount point, if any, is left in place.
func (v *VFS) Unmount(path string) error {
	path, err := normPath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.mounts[path]; !ok {
		return errNoEnt(path)
	}
	delete(v.mounts, path)
	v.notify()
	return nil
}

// MountPaths returns the currently mounted paths, in no particular
// order. Callers (notably persistence export) use it to exclude
// mount-backed subtrees from the serializable core tree.
func (v *VFS) MountPaths() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	paths := make([]string, 0, len(v.mounts))
	for p := range v.mounts {
		paths = append(paths, p)
	}
	return paths
}

// Snapshot captures the entire core tree and returns an opaque id that
// can later be passed to Restore. The snapshot is unaffected by any
// mutation made after it is taken.
func (v *VFS) Snapshot() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := uuid.NewString()
	v.snapshots[id] = v.root.clone()
	return id, nil
}

// Restore replaces the current core tree with a fresh deep copy of the
// tree captured by Snapshot(id). The stored snapshot itself is left
// intact so it may be restored again later.
func (v *VFS) Restore(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap, ok := v.snapshots[id]
	if !ok {
		return errInvalid(id, "unknown snapshot id")
	}
	v.root = snap.clone()
	v.notify()
	return nil
}

// CowClone returns a new VFS sharing no mutable tree state with v.
// Mount providers are shared by reference: providers are expected to
// manage their own isolation (e.g. a read-only HostMount has none to
// isolate).
func (v *VFS) CowClone() *VFS {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c := &VFS{
		root:      v.root.clone(),
		mounts:    make(map[string]VirtualProvider, len(v.mounts)),
		snapshots: make(map[string]*inode, len(v.snapshots)),
	}
	for k, p := range v.mounts {
		c.mounts[k] = p
	}
	for k, n := range v.snapshots {
		c.snapshots[k] = n.clone()
	}
	return c
}
