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

import "time"

// kind discriminates the three inode variants.
type kind int

const (
	kindFile kind = iota
	kindDir
	kindSymlink
)

// defaultFileMode and defaultDirMode are applied to freshly created
// inodes that did not receive an explicit permission argument.
const (
	defaultFileMode = 0o644
	defaultDirMode  = 0o755
)

// inode is a node of the VFS tree. Exactly one of its kind-specific fields
// is meaningful at a time. Dir entries preserve insertion order so that
// readdir listings are stable and match write order, as real directories
// on ext4/tmpfs tend to for small directories.
type inode struct {
	kind        kind
	permissions uint32
	mtime       time.Time
	ctime       time.Time
	atime       time.Time

	// kindFile
	data []byte

	// kindDir
	names    []string
	children map[string]*inode

	// kindSymlink
	target string
}

func newFileInode(mode uint32) *inode {
	now := time.Now()
	return &inode{
		kind:        kindFile,
		permissions: mode,
		mtime:       now,
		ctime:       now,
		atime:       now,
		data:        nil,
	}
}

func newDirInode(mode uint32) *inode {
	now := time.Now()
	return &inode{
		kind:        kindDir,
		permissions: mode,
		mtime:       now,
		ctime:       now,
		atime:       now,
		children:    make(map[string]*inode),
	}
}

func newSymlinkInode(target string) *inode {
	now := time.Now()
	return &inode{
		kind:        kindSymlink,
		permissions: 0o777,
		mtime:       now,
		ctime:       now,
		atime:       now,
		target:      target,
	}
}

// clone deep-copies an inode and everything reachable from it. Used by
// snapshot, restore and cowClone, all of which need full isolation from
// the source tree.
func (n *inode) clone() *inode {
	if n == nil {
		return nil
	}
	c := &inode{
		kind:        n.kind,
		permissions: n.permissions,
		mtime:       n.mtime,
		ctime:       n.ctime,
		atime:       n.atime,
		target:      n.target,
	}
	if n.data != nil {
		c.data = make([]byte, len(n.data))
		copy(c.data, n.data)
	}
	if n.kind == kindDir {
		c.names = append([]string(nil), n.names...)
		c.children = make(map[string]*inode, len(n.children))
		for name, child := range n.children {
			c.children[name] = child.clone()
		}
	}
	return c
}

// get returns the named child, or nil if absent.
func (n *inode) get(name string) *inode {
	return n.children[name]
}

// put inserts or replaces a named child, recording insertion order for new
// names.
func (n *inode) put(name string, child *inode) {
	if _, exists := n.children[name]; !exists {
		n.names = append(n.names, name)
	}
	n.children[name] = child
	n.mtime = time.Now()
}

// remove deletes a named child. The entry vanishes immediately; nothing
// else may reference the removed inode once this returns, matching the
// "destruction is immediate on unlink of the last name" invariant.
func (n *inode) remove(name string) {
	if _, exists := n.children[name]; !exists {
		return
	}
	delete(n.children, name)
	for i, nm := range n.names {
		if nm == name {
			n.names = append(n.names[:i], n.names[i+1:]...)
			break
		}
	}
	n.mtime = time.Now()
}

// list returns child names in insertion order.
func (n *inode) list() []string {
	out := make([]string, len(n.names))
	copy(out, n.names)
	return out
}
