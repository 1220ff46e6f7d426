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

// Package wasirt is the platform adapter: it loads raw .wasm bytes
// from disk and compiles them through wazero,
// keeping an immutable, concurrency-safe cache of compiled modules keyed
// by their physical location so repeated spawns of the same tool skip
// recompilation.
package wasirt

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Adapter owns one wazero.Runtime and its compiled-module cache. A
// Sandbox owns exactly one Adapter; multiple Sandboxes may share an
// Adapter, in which case the module cache is shared and safe for
// concurrent reads (wazero.CompiledModule is immutable once produced).
type Adapter struct {
	runtime wazero.Runtime

	mu    sync.Mutex
	cache map[string]wazero.CompiledModule
}

// NewAdapter constructs a platform adapter. CloseOnContextDone is
// enabled so that a spawn's context deadline or cancellation aborts a
// runaway guest at its next host-import boundary, which is how deadline
// enforcement is implemented for in-thread execution.
func NewAdapter(ctx context.Context) *Adapter {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		// The host module builder only fails on a closed or misused
		// runtime, neither of which can happen on a runtime we just
		// created; surface it loudly rather than return a half-usable
		// Adapter.
		panic(fmt.Errorf("wasirt: instantiate wasi_snapshot_preview1: %w", err))
	}
	return &Adapter{
		runtime: rt,
		cache:   make(map[string]wazero.CompiledModule),
	}
}

// Runtime returns the underlying wazero.Runtime, for callers (the WASI
// host) that need to instantiate host module builders against it.
func (a *Adapter) Runtime() wazero.Runtime {
	return a.runtime
}

// Load compiles the module at location, or returns the cached
// CompiledModule if this location was already compiled.
func (a *Adapter) Load(ctx context.Context, location string) (wazero.CompiledModule, error) {
	a.mu.Lock()
	if m, ok := a.cache[location]; ok {
		a.mu.Unlock()
		return m, nil
	}
	a.mu.Unlock()

	bin, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("read wasm module %s: %w", location, err)
	}

	compiled, err := a.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module %s: %w", location, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.cache[location]; ok {
		// Lost a race with a concurrent Load of the same location; keep
		// the first one compiled and let this one get garbage collected.
		return m, nil
	}
	a.cache[location] = compiled
	return compiled, nil
}

// Close releases the runtime and every module it compiled.
func (a *Adapter) Close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}
