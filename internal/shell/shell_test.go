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

package shell

import (
	"context"
	"strings"
	"testing"

	"github.com/wsandbox/sandbox/internal/process"
	"github.com/wsandbox/sandbox/internal/vfs"
	"github.com/wsandbox/sandbox/internal/wasirt"
)

func TestMergeEnvOverridesWin(t *testing.T) {
	base := map[string]string{"PATH": "/bin", "HOME": "/home/user"}
	over := map[string]string{"PATH": "/usr/bin"}
	got := mergeEnv(base, over)
	if got["PATH"] != "/usr/bin" || got["HOME"] != "/home/user" {
		t.Errorf("mergeEnv = %v", got)
	}
}

func TestNewRunnerCopiesInitialEnv(t *testing.T) {
	ctx := context.Background()
	adapter := wasirt.NewAdapter(ctx)
	defer adapter.Close(ctx)
	mgr := process.NewManager(adapter, vfs.NewDefault(), nil)

	initial := map[string]string{"PYTHONPATH": "/usr/lib/python"}
	r := NewRunner(mgr, "/nonexistent/shell.wasm", initial)
	initial["PYTHONPATH"] = "mutated-after-construction"

	if got := r.Env()["PYTHONPATH"]; got != "/usr/lib/python" {
		t.Errorf("Runner.Env() should snapshot the map passed to NewRunner, got %q", got)
	}
}

func TestSetEnvUpdatesProcEnviron(t *testing.T) {
	ctx := context.Background()
	adapter := wasirt.NewAdapter(ctx)
	defer adapter.Close(ctx)
	v := vfs.NewDefault()
	mgr := process.NewManager(adapter, v, nil)
	r := NewRunner(mgr, "/nonexistent/shell.wasm", map[string]string{"HOME": "/home/user"})

	r.SetEnv("FOO", "bar")

	data, err := v.ReadFile("/proc/self/environ")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "FOO=bar\x00") {
		t.Errorf("/proc/self/environ = %q, want it to contain FOO=bar", data)
	}
	if !strings.Contains(string(data), "HOME=/home/user\x00") {
		t.Errorf("/proc/self/environ = %q, want the initial env preserved", data)
	}
}

func TestRunnerHistoryEmptyInitially(t *testing.T) {
	ctx := context.Background()
	adapter := wasirt.NewAdapter(ctx)
	defer adapter.Close(ctx)
	mgr := process.NewManager(adapter, vfs.NewDefault(), nil)
	r := NewRunner(mgr, "/nonexistent/shell.wasm", nil)

	if len(r.History()) != 0 {
		t.Error("a fresh Runner should have empty history")
	}
}

func TestSetLimitsStoresRunnerLimits(t *testing.T) {
	ctx := context.Background()
	adapter := wasirt.NewAdapter(ctx)
	defer adapter.Close(ctx)
	mgr := process.NewManager(adapter, vfs.NewDefault(), nil)
	r := NewRunner(mgr, "/nonexistent/shell.wasm", nil)

	r.SetLimits(process.Limits{StdoutBytes: 16})
	if r.limits.StdoutBytes != 16 {
		t.Errorf("limits.StdoutBytes = %d, want 16", r.limits.StdoutBytes)
	}
}

func TestRunPipelineEmptyStages(t *testing.T) {
	ctx := context.Background()
	adapter := wasirt.NewAdapter(ctx)
	defer adapter.Close(ctx)
	mgr := process.NewManager(adapter, vfs.NewDefault(), nil)
	r := NewRunner(mgr, "/nonexistent/shell.wasm", nil)

	results, err := r.RunPipeline(ctx, nil, []byte("input"))
	if err != nil || results != nil {
		t.Errorf("RunPipeline(nil stages) = %v, %v", results, err)
	}
}
