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

package pathutil

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"/":                "/",
		"/a/b/c":           "/a/b/c",
		"/a/./b":           "/a/b",
		"/a/b/..":          "/a",
		"/a/b/../../..":    "/",
		"/a//b///c":        "/a/b/c",
		"/./a/b/":          "/a/b",
		"/a/../../../etc":  "/etc",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"/", "/a/b/c", "/a/./b", "/a/b/..", "//x//y/"}
	for _, in := range inputs {
		once, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", once, err)
		}
		if once != twice {
			t.Errorf("Normalize not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, in := range []string{"", "relative/path"} {
		if _, err := Normalize(in); err != ErrInvalid {
			t.Errorf("Normalize(%q) error = %v, want ErrInvalid", in, err)
		}
	}
}

func TestSplit(t *testing.T) {
	dir, name := Split("/a/b/c")
	if dir != "/a/b" || name != "c" {
		t.Errorf("Split = (%q, %q)", dir, name)
	}
	dir, name = Split("/")
	if dir != "/" || name != "" {
		t.Errorf("Split(/) = (%q, %q)", dir, name)
	}
	dir, name = Split("/a")
	if dir != "/" || name != "a" {
		t.Errorf("Split(/a) = (%q, %q)", dir, name)
	}
}

func TestHasPrefix(t *testing.T) {
	if !HasPrefix("/mnt/tools/x", "/mnt/tools") {
		t.Error("expected /mnt/tools/x under /mnt/tools")
	}
	if HasPrefix("/mnt/toolsx", "/mnt/tools") {
		t.Error("did not expect /mnt/toolsx under /mnt/tools")
	}
	if !HasPrefix("/mnt/tools", "/mnt/tools") {
		t.Error("a mount path is its own prefix")
	}
}
