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

package process

import (
	"context"
	"errors"
	"testing"

	"github.com/wsandbox/sandbox/internal/vfs"
	"github.com/wsandbox/sandbox/internal/wasirt"
)

func TestSpawnSyncUnknownTool(t *testing.T) {
	ctx := context.Background()
	adapter := wasirt.NewAdapter(ctx)
	defer adapter.Close(ctx)

	m := NewManager(adapter, vfs.NewDefault(), nil)
	_, err := m.SpawnSync(ctx, "does-not-exist", SpawnOpts{})
	if err == nil {
		t.Fatal("expected an error for an unregistered tool")
	}
}

func TestRegisterToolMakesItSpawnable(t *testing.T) {
	ctx := context.Background()
	adapter := wasirt.NewAdapter(ctx)
	defer adapter.Close(ctx)

	m := NewManager(adapter, vfs.NewDefault(), nil)
	m.RegisterTool("echo", "/nonexistent/echo.wasm")

	// Registered but pointing at a missing file: the lookup succeeds, the
	// compile step is what fails, which confirms registration is wired
	// through to Load rather than rejected up front.
	_, err := m.SpawnSync(ctx, "echo", SpawnOpts{})
	if err == nil {
		t.Fatal("expected a load error for a missing module file")
	}
}

type fakeExitError struct{ code uint32 }

func (e fakeExitError) Error() string    { return "exit" }
func (e fakeExitError) ExitCode() uint32 { return e.code }

func TestClassifyExitMapsExitError(t *testing.T) {
	code, class := ClassifyExit(fakeExitError{code: 2})
	if code != 2 || class != ErrorClassNone {
		t.Errorf("classifyExit = %d, %q", code, class)
	}

	code, class = ClassifyExit(fakeExitError{code: 0})
	if code != ExitOK || class != ErrorClassNone {
		t.Errorf("ClassifyExit(0) = %d, %q", code, class)
	}
}

func TestClassifyExitMapsTrapToExitTrap(t *testing.T) {
	code, class := ClassifyExit(errors.New("unreachable instruction executed"))
	if code != ExitTrap || class != ErrorClassTrap {
		t.Errorf("ClassifyExit(trap) = %d, %q", code, class)
	}
}

func TestLimitsWithDefaults(t *testing.T) {
	l := Limits{}.WithDefaults()
	if l.StdoutBytes != defaultStdoutBytes || l.DeadlineMs != defaultDeadlineMs {
		t.Errorf("defaults not applied: %+v", l)
	}

	custom := Limits{StdoutBytes: 42}.WithDefaults()
	if custom.StdoutBytes != 42 {
		t.Errorf("explicit StdoutBytes overridden: %d", custom.StdoutBytes)
	}
	if custom.DeadlineMs != defaultDeadlineMs {
		t.Errorf("DeadlineMs should still default: %d", custom.DeadlineMs)
	}
}
