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
	"errors"
	"fmt"
)

// Kind is a machine-readable error kind, independent of the human message
// carried alongside it. Callers (notably the WASI host) switch on Kind to
// derive a wire errno; they never pattern-match on the message text.
type Kind string

const (
	ENOENT    Kind = "ENOENT"
	EEXIST    Kind = "EEXIST"
	ENOTDIR   Kind = "ENOTDIR"
	EISDIR    Kind = "EISDIR"
	EROFS     Kind = "EROFS"
	ELOOP     Kind = "ELOOP"
	ENOTEMPTY Kind = "ENOTEMPTY"
	EINVAL    Kind = "EINVAL"
	EBADF     Kind = "EBADF"
)

// Error is the error type VFS operations return for filesystem failures.
// A path that fails normalization yields pathutil.ErrInvalid instead,
// and the fd table reports a bad fd with its own fd.Error.
type Error struct {
	Kind Kind
	Path string
	Msg  string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newErr(kind Kind, path, msg string) *Error {
	return &Error{Kind: kind, Path: path, Msg: msg}
}

func errNoEnt(path string) error    { return newErr(ENOENT, path, "no such file or directory") }
func errExist(path string) error    { return newErr(EEXIST, path, "file exists") }
func errNotDir(path string) error   { return newErr(ENOTDIR, path, "not a directory") }
func errIsDir(path string) error    { return newErr(EISDIR, path, "is a directory") }
func errRO(path string) error       { return newErr(EROFS, path, "read-only mount") }
func errLoop(path string) error     { return newErr(ELOOP, path, "too many levels of symbolic links") }
func errNotEmpty(path string) error { return newErr(ENOTEMPTY, path, "directory not empty") }
func errInvalid(path, msg string) error {
	return newErr(EINVAL, path, msg)
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
