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

package persistence

import (
	"path/filepath"
	"testing"
)

func TestSanitizeNamespace(t *testing.T) {
	cases := map[string]string{
		"":             "_",
		"plain":        "plain",
		"a/b":          "a_b",
		"../../etc":    "______etc",
		"weird name!":  "weird_name_",
	}
	for in, want := range cases {
		if got := sanitizeNamespace(in); got != want {
			t.Errorf("sanitizeNamespace(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	b := NewMemoryBackend()
	if _, err := b.Load("ns"); err == nil {
		t.Fatal("expected an error loading an unsaved namespace")
	}
	if err := b.Save("ns", []byte("data")); err != nil {
		t.Fatal(err)
	}
	got, err := b.Load("ns")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Errorf("got = %q", got)
	}
	if err := b.Delete("ns"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Load("ns"); err == nil {
		t.Fatal("expected an error after delete")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir)
	if err := b.Save("my-ns", []byte("blob bytes")); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "my-ns.wsnd")
	if _, err := filepath.Abs(want); err != nil {
		t.Fatal(err)
	}
	got, err := b.Load("my-ns")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "blob bytes" {
		t.Errorf("got = %q", got)
	}
	if err := b.Delete("my-ns"); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete("my-ns"); err != nil {
		t.Errorf("deleting an already-deleted namespace should be a no-op, got %v", err)
	}
}

func TestFileBackendSanitizesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir)
	if err := b.Save("../escape", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if got := filepath.Dir(b.path("../escape")); got != dir {
		t.Errorf("sanitized path escaped dir: %s", got)
	}
}
