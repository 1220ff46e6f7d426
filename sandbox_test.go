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

package sandbox

import (
	"context"
	"testing"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	ctx := context.Background()
	sb, err := New(ctx, Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sb.Dispose(ctx) })
	return sb
}

func TestNewAppliesDefaultPythonPath(t *testing.T) {
	sb := newTestSandbox(t)
	if got := sb.shell.Env()["PYTHONPATH"]; got != "/usr/lib/python" {
		t.Errorf("PYTHONPATH = %q, want /usr/lib/python", got)
	}
}

func TestNewPrependsConfiguredPythonPath(t *testing.T) {
	ctx := context.Background()
	sb, err := New(ctx, Config{PythonPath: []string{"/mnt/libs", "/mnt/extra"}})
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Dispose(ctx)

	want := "/mnt/libs:/mnt/extra:/usr/lib/python"
	if got := sb.shell.Env()["PYTHONPATH"]; got != want {
		t.Errorf("PYTHONPATH = %q, want %q", got, want)
	}
}

func TestReadWriteFileDelegatesToVFS(t *testing.T) {
	sb := newTestSandbox(t)
	if err := sb.WriteFile("/home/user/t.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := sb.ReadFile("/home/user/t.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadFile = %q", got)
	}
}

func TestMountMakesFilesReadable(t *testing.T) {
	sb := newTestSandbox(t)
	if err := sb.Mount("/mnt/tools", Mount{Files: map[string][]byte{"data.txt": []byte("some data")}}); err != nil {
		t.Fatal(err)
	}
	got, err := sb.ReadFile("/mnt/tools/data.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "some data" {
		t.Errorf("ReadFile = %q", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	sb := newTestSandbox(t)
	sb.WriteFile("/home/user/a.txt", []byte("v1"))
	id, err := sb.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	sb.WriteFile("/home/user/a.txt", []byte("v2"))

	if err := sb.Restore(id); err != nil {
		t.Fatal(err)
	}
	got, err := sb.ReadFile("/home/user/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Errorf("ReadFile after restore = %q, want v1", got)
	}
}

func TestExportImportStateRoundTrip(t *testing.T) {
	sb := newTestSandbox(t)
	sb.WriteFile("/home/user/a.txt", []byte("hello"))
	sb.shell.SetEnv("FOO", "bar")

	blob, err := sb.ExportState()
	if err != nil {
		t.Fatal(err)
	}

	sb2 := newTestSandbox(t)
	if err := sb2.ImportState(blob); err != nil {
		t.Fatal(err)
	}
	got, err := sb2.ReadFile("/home/user/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadFile = %q", got)
	}
	if sb2.shell.Env()["FOO"] != "bar" {
		t.Errorf("env FOO = %q, want bar", sb2.shell.Env()["FOO"])
	}
}

func TestForkIsolatesSubsequentMutations(t *testing.T) {
	sb := newTestSandbox(t)
	sb.WriteFile("/home/user/shared.txt", []byte("parent"))

	child := sb.Fork("child-ns")
	defer child.Dispose(context.Background())

	child.WriteFile("/home/user/shared.txt", []byte("child"))

	parentContent, err := sb.ReadFile("/home/user/shared.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(parentContent) != "parent" {
		t.Errorf("parent content = %q, want unchanged \"parent\"", parentContent)
	}

	childContent, err := child.ReadFile("/home/user/shared.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(childContent) != "child" {
		t.Errorf("child content = %q, want \"child\"", childContent)
	}
}

func TestKillOnIdleSandboxIsSafe(t *testing.T) {
	sb := newTestSandbox(t)
	sb.Kill()
}
