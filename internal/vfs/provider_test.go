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

import "testing"

func TestDevProvider(t *testing.T) {
	v := NewDefault()
	data, err := v.ReadFile("/dev/zero")
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range data {
		if b != 0 {
			t.Fatalf("/dev/zero returned non-zero byte")
		}
	}
	data, err = v.ReadFile("/dev/null")
	if err != nil || len(data) != 0 {
		t.Fatalf("/dev/null = %v, %v", data, err)
	}
}

func TestProcProviderEnviron(t *testing.T) {
	p := NewProcProvider(map[string]string{"FOO": "bar"})
	data, err := p.ReadFile("self/environ")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "FOO=bar\x00" {
		t.Errorf("environ = %q", data)
	}
}
