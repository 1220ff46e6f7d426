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

// Package wasihost builds the per-spawn wazero ModuleConfig that is the
// guest's WASI host: it binds the shared VFS as the guest's root
// preopen, wires stdio through byte-limited capture writers, and sets
// args/env/clock/random sources. The WASI syscall wire protocol itself
// (fd_*, path_*, clock_time_get, poll_oneoff, ...) is implemented by
// wazero's wasi_snapshot_preview1 package; this package only supplies
// what's behind it.
package wasihost

import (
	"io/fs"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"

	"github.com/wsandbox/sandbox/internal/fd"
	"github.com/wsandbox/sandbox/internal/pathutil"
	"github.com/wsandbox/sandbox/internal/vfs"
)

// rootFS adapts the sandbox VFS to wazero's experimental/sys.FS, the
// richer filesystem capability wazero's sysfs layer looks for so that
// path_create_directory/path_remove_directory/path_unlink_file/
// path_rename/path_symlink/path_readlink, and an O_CREAT path_open, are
// all actually behavioral rather than ENOSYS/EROFS stubs. Every Open
// goes through a dedicated fd.Table, so path_open gets exactly the
// snapshot-on-open and dirty-flush semantics the rest of the sandbox
// relies on.
type rootFS struct {
	experimentalsys.UnimplementedFS

	v   *vfs.VFS
	tbl *fd.Table
}

// NewRootFS returns an experimental/sys.FS view of v backed by tbl.
func NewRootFS(v *vfs.VFS, tbl *fd.Table) experimentalsys.FS {
	return &rootFS{v: v, tbl: tbl}
}

func toAbsPath(name string) (string, error) {
	if name == "." || name == "" {
		return "/", nil
	}
	return pathutil.Normalize("/" + name)
}

// errnoFromVFS maps a vfs.Error's Kind to the matching syscall errno,
// so callers never pattern-match on vfs's message text. Anything that
// isn't a *vfs.Error (a bad path from toAbsPath, for instance) becomes
// EIO rather than silently succeeding.
func errnoFromVFS(err error) experimentalsys.Errno {
	if err == nil {
		return 0
	}
	kind, ok := vfs.KindOf(err)
	if !ok {
		return experimentalsys.EIO
	}
	switch kind {
	case vfs.ENOENT:
		return experimentalsys.ENOENT
	case vfs.EEXIST:
		return experimentalsys.EEXIST
	case vfs.ENOTDIR:
		return experimentalsys.ENOTDIR
	case vfs.EISDIR:
		return experimentalsys.EISDIR
	case vfs.EROFS:
		return experimentalsys.EROFS
	case vfs.ELOOP:
		return experimentalsys.ELOOP
	case vfs.ENOTEMPTY:
		return experimentalsys.ENOTEMPTY
	case vfs.EINVAL:
		return experimentalsys.EINVAL
	case vfs.EBADF:
		return experimentalsys.EBADF
	default:
		return experimentalsys.EIO
	}
}

func statFromInfo(info vfs.FileInfo) experimentalsys.Stat_t {
	mode := fs.FileMode(info.Permissions & 0o777)
	switch info.Kind {
	case vfs.KindDir:
		mode |= fs.ModeDir
	case vfs.KindSymlink:
		mode |= fs.ModeSymlink
	}
	return experimentalsys.Stat_t{
		Mode: mode,
		Size: info.Size,
		Atim: info.ATime.UnixNano(),
		Mtim: info.MTime.UnixNano(),
		Ctim: info.CTime.UnixNano(),
	}
}

// OpenFile is path_open's host side. O_CREAT materializes a fresh empty
// file through VFS.WriteFile (matching the ENOENT-parent-dir semantics
// every other path mutation here already enforces) before handing off
// to the fd table for the read/write/append mode the caller asked for.
func (r *rootFS) OpenFile(name string, flag experimentalsys.Oflag, _ fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	abs, err := toAbsPath(name)
	if err != nil {
		return nil, experimentalsys.EINVAL
	}

	info, statErr := r.v.Lstat(abs)
	exists := statErr == nil
	if !exists {
		if kind, ok := vfs.KindOf(statErr); !ok || kind != vfs.ENOENT {
			return nil, errnoFromVFS(statErr)
		}
	}

	if exists && flag&experimentalsys.O_EXCL != 0 && flag&experimentalsys.O_CREAT != 0 {
		return nil, experimentalsys.EEXIST
	}

	if !exists {
		if flag&experimentalsys.O_CREAT == 0 {
			return nil, experimentalsys.ENOENT
		}
		if err := r.v.WriteFile(abs, nil); err != nil {
			return nil, errnoFromVFS(err)
		}
		info, err = r.v.Lstat(abs)
		if err != nil {
			return nil, errnoFromVFS(err)
		}
	}

	if info.IsDir() {
		if flag&(experimentalsys.O_WRONLY|experimentalsys.O_RDWR) != 0 {
			return nil, experimentalsys.EISDIR
		}
		return &dirFile{v: r.v, path: abs, info: info}, 0
	}

	if exists && flag&experimentalsys.O_TRUNC != 0 {
		if err := r.v.WriteFile(abs, nil); err != nil {
			return nil, errnoFromVFS(err)
		}
	}

	mode := fd.ModeRead
	switch {
	case flag&experimentalsys.O_APPEND != 0:
		mode = fd.ModeAppend
	case flag&experimentalsys.O_RDWR != 0:
		mode = fd.ModeReadWrite
	case flag&experimentalsys.O_WRONLY != 0:
		mode = fd.ModeWrite
	}

	fdNum, err := r.tbl.Open(abs, mode)
	if err != nil {
		return nil, errnoFromVFS(err)
	}
	return &vfsFile{tbl: r.tbl, v: r.v, path: abs, fd: fdNum}, 0
}

func (r *rootFS) Lstat(name string) (experimentalsys.Stat_t, experimentalsys.Errno) {
	abs, err := toAbsPath(name)
	if err != nil {
		return experimentalsys.Stat_t{}, experimentalsys.EINVAL
	}
	info, err := r.v.Lstat(abs)
	if err != nil {
		return experimentalsys.Stat_t{}, errnoFromVFS(err)
	}
	return statFromInfo(info), 0
}

func (r *rootFS) Stat(name string) (experimentalsys.Stat_t, experimentalsys.Errno) {
	abs, err := toAbsPath(name)
	if err != nil {
		return experimentalsys.Stat_t{}, experimentalsys.EINVAL
	}
	info, err := r.v.Stat(abs)
	if err != nil {
		return experimentalsys.Stat_t{}, errnoFromVFS(err)
	}
	return statFromInfo(info), 0
}

// Mkdir is path_create_directory's host side.
func (r *rootFS) Mkdir(name string, _ fs.FileMode) experimentalsys.Errno {
	abs, err := toAbsPath(name)
	if err != nil {
		return experimentalsys.EINVAL
	}
	return errnoFromVFS(r.v.Mkdir(abs))
}

// Rmdir is path_remove_directory's host side.
func (r *rootFS) Rmdir(name string) experimentalsys.Errno {
	abs, err := toAbsPath(name)
	if err != nil {
		return experimentalsys.EINVAL
	}
	return errnoFromVFS(r.v.Rmdir(abs))
}

// Unlink is path_unlink_file's host side.
func (r *rootFS) Unlink(name string) experimentalsys.Errno {
	abs, err := toAbsPath(name)
	if err != nil {
		return experimentalsys.EINVAL
	}
	return errnoFromVFS(r.v.Unlink(abs))
}

// Rename is path_rename's host side.
func (r *rootFS) Rename(oldName, newName string) experimentalsys.Errno {
	oldAbs, err := toAbsPath(oldName)
	if err != nil {
		return experimentalsys.EINVAL
	}
	newAbs, err := toAbsPath(newName)
	if err != nil {
		return experimentalsys.EINVAL
	}
	return errnoFromVFS(r.v.Rename(oldAbs, newAbs))
}

// Symlink is path_symlink's host side. oldName is the link's target
// text and is stored verbatim, never resolved against this filesystem.
func (r *rootFS) Symlink(oldName, linkName string) experimentalsys.Errno {
	linkAbs, err := toAbsPath(linkName)
	if err != nil {
		return experimentalsys.EINVAL
	}
	return errnoFromVFS(r.v.Symlink(oldName, linkAbs))
}

// Readlink is path_readlink's host side. It relies on Lstat rather than
// Stat because a stat of the symlink itself, not of its target, is what
// carries SymlinkTarget.
func (r *rootFS) Readlink(name string) (string, experimentalsys.Errno) {
	abs, err := toAbsPath(name)
	if err != nil {
		return "", experimentalsys.EINVAL
	}
	info, err := r.v.Lstat(abs)
	if err != nil {
		return "", errnoFromVFS(err)
	}
	if info.Kind != vfs.KindSymlink {
		return "", experimentalsys.EINVAL
	}
	return info.SymlinkTarget, 0
}

func (r *rootFS) Chmod(name string, perm fs.FileMode) experimentalsys.Errno {
	abs, err := toAbsPath(name)
	if err != nil {
		return experimentalsys.EINVAL
	}
	return errnoFromVFS(r.v.Chmod(abs, uint32(perm.Perm())))
}

// Truncate is the path-based truncate(2) equivalent; VFS only exposes
// truncation through an open fd, so this reads, resizes and rewrites
// the whole file rather than reusing the fd table.
func (r *rootFS) Truncate(name string, size int64) experimentalsys.Errno {
	abs, err := toAbsPath(name)
	if err != nil {
		return experimentalsys.EINVAL
	}
	data, err := r.v.ReadFile(abs)
	if err != nil {
		return errnoFromVFS(err)
	}
	if size < 0 {
		size = 0
	}
	switch {
	case int64(len(data)) > size:
		data = data[:size]
	case int64(len(data)) < size:
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}
	return errnoFromVFS(r.v.WriteFile(abs, data))
}

// vfsFile implements experimental/sys.File for a regular file opened
// through OpenFile.
type vfsFile struct {
	experimentalsys.UnimplementedFile

	tbl  *fd.Table
	v    *vfs.VFS
	path string
	fd   int
}

func (f *vfsFile) Stat() (experimentalsys.Stat_t, experimentalsys.Errno) {
	info, err := f.v.Stat(f.path)
	if err != nil {
		return experimentalsys.Stat_t{}, errnoFromVFS(err)
	}
	return statFromInfo(info), 0
}

func (f *vfsFile) IsDir() (bool, experimentalsys.Errno) { return false, 0 }

func (f *vfsFile) Read(buf []byte) (int, experimentalsys.Errno) {
	n, err := f.tbl.Read(f.fd, buf)
	if err != nil {
		return n, errnoFromVFS(err)
	}
	return n, 0
}

func (f *vfsFile) Write(buf []byte) (int, experimentalsys.Errno) {
	n, err := f.tbl.Write(f.fd, buf)
	if err != nil {
		return n, errnoFromVFS(err)
	}
	return n, 0
}

func (f *vfsFile) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	n, err := f.tbl.Seek(f.fd, offset, fd.Whence(whence))
	if err != nil {
		return 0, errnoFromVFS(err)
	}
	return n, 0
}

func (f *vfsFile) Truncate(size int64) experimentalsys.Errno {
	return errnoFromVFS(f.tbl.Truncate(f.fd, size))
}

func (f *vfsFile) Sync() experimentalsys.Errno     { return 0 }
func (f *vfsFile) Datasync() experimentalsys.Errno { return 0 }

func (f *vfsFile) Close() experimentalsys.Errno {
	return errnoFromVFS(f.tbl.Close(f.fd))
}

// dirFile implements experimental/sys.File for a directory opened
// through OpenFile; directories are never buffered through the fd
// table since they carry no byte content to snapshot.
type dirFile struct {
	experimentalsys.UnimplementedFile

	v       *vfs.VFS
	path    string
	info    vfs.FileInfo
	entries []experimentalsys.Dirent
	pos     int
	listed  bool
}

func (d *dirFile) Stat() (experimentalsys.Stat_t, experimentalsys.Errno) {
	return statFromInfo(d.info), 0
}

func (d *dirFile) IsDir() (bool, experimentalsys.Errno) { return true, 0 }

func (d *dirFile) Close() experimentalsys.Errno { return 0 }

func (d *dirFile) Readdir(n int) ([]experimentalsys.Dirent, experimentalsys.Errno) {
	if !d.listed {
		names, err := d.v.Readdir(d.path)
		if err != nil {
			return nil, errnoFromVFS(err)
		}
		d.entries = make([]experimentalsys.Dirent, 0, len(names))
		for _, name := range names {
			childPath, _ := pathutil.Join(d.path, name)
			info, err := d.v.Lstat(childPath)
			if err != nil {
				continue
			}
			typ := fs.FileMode(0)
			switch info.Kind {
			case vfs.KindDir:
				typ = fs.ModeDir
			case vfs.KindSymlink:
				typ = fs.ModeSymlink
			}
			d.entries = append(d.entries, experimentalsys.Dirent{Name: name, Type: typ})
		}
		d.listed = true
	}
	if n <= 0 {
		out := d.entries[d.pos:]
		d.pos = len(d.entries)
		return out, 0
	}
	if d.pos >= len(d.entries) {
		return nil, 0
	}
	end := d.pos + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.pos:end]
	d.pos = end
	return out, 0
}
