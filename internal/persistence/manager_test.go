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
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerSaveLoadDelete(t *testing.T) {
	m := NewManager(NewMemoryBackend(), 0, nil)
	if err := m.Save("ns", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	got, err := m.Load("ns")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Errorf("got = %q", got)
	}
	if err := m.Delete("ns"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load("ns"); err == nil {
		t.Fatal("expected an error after delete")
	}
}

func TestOnChangeDebouncesToOneSave(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend, 20, nil)

	var calls int32
	getBlob := func() ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("latest"), nil
	}

	for i := 0; i < 5; i++ {
		m.OnChange("ns", getBlob)
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("getBlob called %d times, want exactly 1", n)
	}
	got, err := backend.Load("ns")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "latest" {
		t.Errorf("got = %q", got)
	}
}

func TestFlushSavesImmediatelyWhenPending(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend, 10_000, nil) // long debounce; Flush must not wait for it

	m.OnChange("ns", func() ([]byte, error) { return []byte("flushed"), nil })
	m.Flush("ns")

	got, err := backend.Load("ns")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "flushed" {
		t.Errorf("got = %q", got)
	}
}

func TestDisposeFlushesAllNamespaces(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend, 10_000, nil)

	m.OnChange("a", func() ([]byte, error) { return []byte("a-blob"), nil })
	m.OnChange("b", func() ([]byte, error) { return []byte("b-blob"), nil })
	m.Dispose()

	for ns, want := range map[string]string{"a": "a-blob", "b": "b-blob"} {
		got, err := backend.Load(ns)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("ns %s: got = %q, want %q", ns, got, want)
		}
	}
}

func TestFlushWithoutPendingChangeIsNoop(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend, 0, nil)
	m.Flush("never-touched")
	if _, err := backend.Load("never-touched"); err == nil {
		t.Fatal("Flush should not have saved a namespace with no pending change")
	}
}
