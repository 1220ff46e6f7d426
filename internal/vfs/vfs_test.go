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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	v := NewDefault()
	require.NoError(t, v.WriteFile("/home/user/t.txt", []byte("Hello\nLine 2.")))
	got, err := v.ReadFile("/home/user/t.txt")
	require.NoError(t, err)
	assert.Equal(t, "Hello\nLine 2.", string(got))
}

func TestReadNonexistent(t *testing.T) {
	v := NewDefault()
	_, err := v.ReadFile("/nonexistent")
	require.Error(t, err)
	k, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, ENOENT, k)
}

func TestMkdirpAndReaddir(t *testing.T) {
	v := New()
	require.NoError(t, v.Mkdirp("/a/b/c"))
	entries, err := v.Readdir("/a/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, entries)
}

func TestUnlinkRmdirErrors(t *testing.T) {
	v := New()
	_ = v.Mkdirp("/a")
	_ = v.WriteFile("/a/f", []byte("x"))

	assert.Error(t, v.Unlink("/a"), "expected EISDIR unlinking a directory")
	assert.Error(t, v.Rmdir("/a"), "expected ENOTEMPTY removing non-empty directory")
	require.NoError(t, v.Unlink("/a/f"))
	require.NoError(t, v.Rmdir("/a"))
}

func TestRename(t *testing.T) {
	v := New()
	_ = v.WriteFile("/a", []byte("data"))
	require.NoError(t, v.Rename("/a", "/b"))
	assert.False(t, v.Exists("/a"))
	got, err := v.ReadFile("/b")
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestSymlinkResolution(t *testing.T) {
	v := New()
	_ = v.Mkdirp("/a")
	_ = v.WriteFile("/a/real", []byte("payload"))
	require.NoError(t, v.Symlink("/a/real", "/link"))
	got, err := v.ReadFile("/link")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestSymlinkLoop(t *testing.T) {
	v := New()
	_ = v.Symlink("/b", "/a")
	_ = v.Symlink("/a", "/b")
	_, err := v.ReadFile("/a")
	require.Error(t, err)
	k, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, ELOOP, k)
}

func TestSnapshotIsolation(t *testing.T) {
	v := New()
	_ = v.WriteFile("/a", []byte("before"))
	id, err := v.Snapshot()
	require.NoError(t, err)
	_ = v.WriteFile("/a", []byte("after"))
	_ = v.WriteFile("/b", []byte("new"))
	_ = v.Unlink("/a")

	require.NoError(t, v.Restore(id))
	got, err := v.ReadFile("/a")
	require.NoError(t, err)
	assert.Equal(t, "before", string(got))
	assert.False(t, v.Exists("/b"), "/b should not exist after restore")
}

func TestCowCloneIsolation(t *testing.T) {
	parent := New()
	_ = parent.WriteFile("/shared", []byte("parent"))

	child := parent.CowClone()
	_ = child.WriteFile("/shared", []byte("child"))
	_ = child.WriteFile("/child-only", []byte("x"))

	got, _ := parent.ReadFile("/shared")
	assert.Equal(t, "parent", string(got), "parent must not be mutated by a child write")
	assert.False(t, parent.Exists("/child-only"))

	_ = parent.WriteFile("/parent-only", []byte("y"))
	assert.False(t, child.Exists("/parent-only"), "child should not see parent writes after clone")
}

func TestMountShadowingAndMerge(t *testing.T) {
	v := New()
	_ = v.Mkdirp("/mnt/tools")
	_ = v.WriteFile("/mnt/tools/physical.txt", []byte("should be replaced"))
	mount := NewHostMount(map[string][]byte{"data.txt": []byte("some data")}, false)
	require.NoError(t, v.Mount("/mnt/tools", mount))

	got, err := v.ReadFile("/mnt/tools/data.txt")
	require.NoError(t, err)
	assert.Equal(t, "some data", string(got))

	entries, err := v.Readdir("/mnt/tools")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"data.txt", "physical.txt"}, entries)
}

func TestHostMountReadOnly(t *testing.T) {
	v := New()
	mount := NewHostMount(map[string][]byte{"x": []byte("y")}, false)
	_ = v.Mount("/ro", mount)
	assert.Error(t, v.WriteFile("/ro/x", []byte("z")), "expected EROFS")
}

func TestOnChangeFiresForTreeNotProvider(t *testing.T) {
	v := New()
	calls := 0
	v.SetOnChange(func() { calls++ })

	_ = v.WriteFile("/a", []byte("1"))
	assert.Equal(t, 1, calls)

	mount := NewHostMount(map[string][]byte{}, true)
	_ = v.Mount("/mnt", mount)
	after := calls
	_ = v.WriteFile("/mnt/x", []byte("y"))
	assert.Equal(t, after, calls, "onChange must not fire for a mount-backed write")
}
