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

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/wsandbox/sandbox/internal/process"
	"github.com/wsandbox/sandbox/internal/vfs"
	"github.com/wsandbox/sandbox/internal/wasirt"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	ctx := context.Background()
	adapter := wasirt.NewAdapter(ctx)
	t.Cleanup(func() { adapter.Close(ctx) })
	mgr := process.NewManager(adapter, vfs.NewDefault(), nil)
	return NewExecutor(mgr)
}

func TestRunUnknownToolReturnsError(t *testing.T) {
	e := newTestExecutor(t)
	resp := e.Run(context.Background(), RunRequest{Tool: "does-not-exist"})
	if resp.Err == nil {
		t.Fatal("expected an error for an unregistered tool")
	}
}

func TestKillCancelsInFlightRun(t *testing.T) {
	e := newTestExecutor(t)

	// Start a worker so Kill has something to terminate.
	e.mu.Lock()
	e.ensureWorker()
	e.mu.Unlock()

	done := make(chan RunResponse, 1)
	go func() {
		resp := make(chan RunResponse, 1)
		e.mu.Lock()
		e.pending[resp] = struct{}{}
		jobs := e.jobs
		e.mu.Unlock()
		jobs <- job{req: RunRequest{Tool: "does-not-exist"}, resp: resp}
		done <- <-resp
	}()

	time.Sleep(5 * time.Millisecond)
	e.Kill()

	select {
	case r := <-done:
		if r.Result.ExitCode != process.ExitCancelled || r.Result.ErrorClass != process.ErrorClassCancelled {
			t.Errorf("r = %+v, want CANCELLED", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Kill did not resolve the in-flight run")
	}
}

func TestRunStartsFreshWorkerAfterKill(t *testing.T) {
	e := newTestExecutor(t)
	e.mu.Lock()
	first := e.ensureWorker()
	e.mu.Unlock()

	e.Kill()

	e.mu.Lock()
	second := e.ensureWorker()
	e.mu.Unlock()

	if first == second {
		t.Error("ensureWorker should create a new jobs channel after Kill")
	}
}
