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

// Package shell hosts the guest shell-parser module. The shell
// itself ships as a .wasm binary; this package instantiates it once,
// exposes the spawn_sync/env/history host imports it calls into, and
// drives its run_command export.
package shell

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sync/errgroup"

	"github.com/wsandbox/sandbox/internal/pipe"
	"github.com/wsandbox/sandbox/internal/process"
)

// hostModuleName is the import module name the shell guest binds its
// spawn_sync/env_get/env_set functions against.
const hostModuleName = "env"

// spawnRequest is the JSON envelope the guest writes before calling
// spawn_sync; spawnResponse is what the host writes back. Bodies that
// may contain arbitrary bytes are base64-encoded so the envelope stays
// valid UTF-8 JSON.
type spawnRequest struct {
	Cmd       string            `json:"cmd"`
	Argv      []string          `json:"argv"`
	Env       map[string]string `json:"env"`
	StdinB64  string            `json:"stdin_b64"`
	Cwd       string            `json:"cwd"`
}

type spawnResponse struct {
	ExitCode   int    `json:"exit_code"`
	ErrorClass string `json:"error_class,omitempty"`
	StdoutB64  string `json:"stdout_b64"`
	StderrB64  string `json:"stderr_b64"`
}

// Runner owns one instantiated shell guest module plus the process
// environment it reflects changes into — the host holds the process
// environment as the canonical source of truth.
type Runner struct {
	mgr *process.Manager

	mu      sync.Mutex
	env     map[string]string
	history []string
	limits  process.Limits

	modulePath string
	compiled   wazero.CompiledModule
	instance   api.Module
}

// NewRunner prepares a shell Runner against mgr. The guest module at
// shellWasmPath is compiled on mgr's runtime lazily, on the first Run
// call, so constructing a Runner never touches disk. The compile does
// not go through the adapter's per-location module cache.
func NewRunner(mgr *process.Manager, shellWasmPath string, initialEnv map[string]string) *Runner {
	env := make(map[string]string, len(initialEnv))
	for k, v := range initialEnv {
		env[k] = v
	}
	return &Runner{mgr: mgr, env: env, modulePath: shellWasmPath}
}

// SetLimits installs the resource limits applied to every simple
// command the shell spawns from here on, via spawn_sync or RunPipeline.
// A zero value means "use the process package default", not
// "unlimited" (security.limits from the sandbox configuration).
func (r *Runner) SetLimits(limits process.Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = limits
}

// Env returns a copy of the current process environment.
func (r *Runner) Env() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envSnapshotLocked()
}

func (r *Runner) envSnapshotLocked() map[string]string {
	out := make(map[string]string, len(r.env))
	for k, v := range r.env {
		out[k] = v
	}
	return out
}

// History returns the commands run so far, oldest first.
func (r *Runner) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history...)
}

// SetEnv sets a single environment variable, the same way the guest's
// own env_set host import does, and pushes the resulting environment to
// the sandbox's /proc/self/environ.
func (r *Runner) SetEnv(name, value string) {
	r.mu.Lock()
	r.env[name] = value
	snapshot := r.envSnapshotLocked()
	r.mu.Unlock()
	r.mgr.VFS().SetEnv(snapshot)
}

// Limits returns the resource limits currently applied to spawns from
// this Runner.
func (r *Runner) Limits() process.Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// ModulePath returns the guest shell module path this Runner was
// constructed with, so a fork can build a sibling Runner against the
// same guest.
func (r *Runner) ModulePath() string {
	return r.modulePath
}

func (r *Runner) ensureInstance(ctx context.Context) (api.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance != nil {
		return r.instance, nil
	}

	compiled, err := loadCompiled(ctx, r.mgr, r.modulePath)
	if err != nil {
		return nil, err
	}

	rt := r.mgr.Runtime()
	if _, err := newHostModule(ctx, rt, r); err != nil {
		return nil, fmt.Errorf("shell: build host imports: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("shell: instantiate guest: %w", err)
	}
	r.compiled = compiled
	r.instance = mod
	return mod, nil
}

// loadCompiled is a seam so tests can stub module compilation without a
// real .wasm file; by default it reads path and compiles it on mgr's
// runtime.
var loadCompiled = func(ctx context.Context, mgr *process.Manager, path string) (wazero.CompiledModule, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shell: read guest module %s: %w", path, err)
	}
	return mgr.Runtime().CompileModule(ctx, bin)
}

// Run writes command into the guest's input buffer and invokes its
// run_command export, which parses the pipeline and calls back into
// spawn_sync for each simple command.
func (r *Runner) Run(ctx context.Context, command string) (process.RunResult, error) {
	mod, err := r.ensureInstance(ctx)
	if err != nil {
		return process.RunResult{}, err
	}

	r.mu.Lock()
	r.history = append(r.history, command)
	r.mu.Unlock()

	runCommand := mod.ExportedFunction("run_command")
	if runCommand == nil {
		return process.RunResult{}, fmt.Errorf("shell: guest does not export run_command")
	}

	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return process.RunResult{}, fmt.Errorf("shell: guest does not export alloc")
	}

	cmdBytes := []byte(command)
	results, err := alloc.Call(ctx, uint64(len(cmdBytes)))
	if err != nil || len(results) == 0 {
		return process.RunResult{}, fmt.Errorf("shell: guest alloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, cmdBytes) {
		return process.RunResult{}, fmt.Errorf("shell: guest memory write out of range")
	}

	out, err := runCommand.Call(ctx, uint64(ptr), uint64(len(cmdBytes)))
	if err != nil {
		exitCode, errorClass := process.ClassifyExit(err)
		return process.RunResult{ExitCode: exitCode, ErrorClass: errorClass}, nil
	}
	if len(out) == 0 {
		return process.RunResult{}, fmt.Errorf("shell: run_command returned no result")
	}
	// run_command packs the pipeline's reported exit code (pipefail
	// semantics, if any, are entirely the guest's decision; the host
	// only relays the number it's given).
	exitCode := int(int32(out[0]))
	return process.RunResult{ExitCode: exitCode}, nil
}

// newHostModule builds the "env" host module the shell guest imports:
// spawn_sync, env_get, env_set. It exports no history_push.
func newHostModule(ctx context.Context, rt wazero.Runtime, r *Runner) (api.Module, error) {
	return rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(r.spawnSyncHostFunc).
		Export("spawn_sync").
		NewFunctionBuilder().
		WithFunc(r.envGetHostFunc).
		Export("env_get").
		NewFunctionBuilder().
		WithFunc(r.envSetHostFunc).
		Export("env_set").
		Instantiate(ctx, rt)
}

// spawnSyncHostFunc is the spawn_sync(reqPtr, reqLen, respPtr, respCap)
// → actualRespLen import. The guest encodes a spawnRequest as JSON at
// reqPtr and provides a respCap-byte scratch buffer at respPtr; the
// host writes a spawnResponse JSON back and returns its length (or a
// negative value for ptr/encoding errors, which a well-behaved guest
// treats as an internal fault rather than a command exit code).
func (r *Runner) spawnSyncHostFunc(ctx context.Context, mod api.Module, reqPtr, reqLen, respPtr, respCap uint32) int32 {
	reqBytes, ok := mod.Memory().Read(reqPtr, reqLen)
	if !ok {
		return -1
	}
	var req spawnRequest
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		return -1
	}

	stdin, err := base64.StdEncoding.DecodeString(req.StdinB64)
	if err != nil {
		return -1
	}

	r.mu.Lock()
	limits := r.limits
	r.mu.Unlock()

	res, err := r.mgr.SpawnSync(ctx, req.Cmd, process.SpawnOpts{
		Args:   req.Argv,
		Env:    mergeEnv(r.Env(), req.Env),
		Stdin:  bytes.NewReader(stdin),
		Cwd:    req.Cwd,
		Limits: limits,
	})
	if err != nil {
		return -1
	}

	resp := spawnResponse{
		ExitCode:   res.ExitCode,
		ErrorClass: string(res.ErrorClass),
		StdoutB64:  base64.StdEncoding.EncodeToString(res.Stdout),
		StderrB64:  base64.StdEncoding.EncodeToString(res.Stderr),
	}
	respBytes, err := json.Marshal(resp)
	if err != nil || uint32(len(respBytes)) > respCap {
		return -1
	}
	if !mod.Memory().Write(respPtr, respBytes) {
		return -1
	}
	return int32(len(respBytes))
}

// Stage is one simple command within a pipeline passed to RunPipeline.
type Stage struct {
	Tool string
	Args []string
	Env  map[string]string
}

// RunPipeline runs stages concurrently, connecting each stage's stdout
// to the next stage's stdin through a *pipe.Pipe so a downstream
// command that only consumes part of its input (e.g. "yes | head -n1")
// lets the upstream command keep running rather than buffering its
// entire output first. It is the host-native counterpart to the guest
// shell's own pipeline handling in Run, used when callers want to
// drive a pipeline directly without going through the guest parser.
func (r *Runner) RunPipeline(ctx context.Context, stages []Stage, input []byte) ([]process.RunResult, error) {
	if len(stages) == 0 {
		return nil, nil
	}

	results := make([]process.RunResult, len(stages))

	r.mu.Lock()
	limits := r.limits
	r.mu.Unlock()

	var stdin io.Reader = bytes.NewReader(input)
	pipes := make([]*pipe.Pipe, len(stages)-1)
	for i := range pipes {
		pipes[i] = pipe.New()
	}

	// Each stage runs to completion regardless of its neighbors' outcome,
	// reporting whatever the last command returns, so this intentionally
	// does not use errgroup.WithContext: one stage's error must not
	// cancel the others mid-stream.
	var g errgroup.Group
	for i, stage := range stages {
		i, stage := i, stage
		in := stdin
		var out io.Writer
		if i < len(pipes) {
			out = pipes[i]
			stdin = pipes[i]
		} else {
			var final bytes.Buffer
			out = &final
		}

		g.Go(func() error {
			opts := process.SpawnOpts{Args: stage.Args, Env: stage.Env, Stdin: in, Limits: limits}
			res, err := r.mgr.SpawnSyncStreaming(ctx, stage.Tool, opts, out)
			if i < len(pipes) {
				pipes[i].Close()
			}
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func mergeEnv(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// envGetHostFunc(namePtr, nameLen, valPtr, valCap) → actualLen (-1 if
// unset or the guest's buffer is too small).
func (r *Runner) envGetHostFunc(ctx context.Context, mod api.Module, namePtr, nameLen, valPtr, valCap uint32) int32 {
	nameBytes, ok := mod.Memory().Read(namePtr, nameLen)
	if !ok {
		return -1
	}
	r.mu.Lock()
	val, present := r.env[string(nameBytes)]
	r.mu.Unlock()
	if !present || uint32(len(val)) > valCap {
		return -1
	}
	if !mod.Memory().Write(valPtr, []byte(val)) {
		return -1
	}
	return int32(len(val))
}

// envSetHostFunc(namePtr, nameLen, valPtr, valLen) reflects a guest
// "export FOO=bar" into the canonical environment map, and into
// /proc/self/environ the same way SetEnv does.
func (r *Runner) envSetHostFunc(ctx context.Context, mod api.Module, namePtr, nameLen, valPtr, valLen uint32) {
	nameBytes, ok1 := mod.Memory().Read(namePtr, nameLen)
	valBytes, ok2 := mod.Memory().Read(valPtr, valLen)
	if !ok1 || !ok2 {
		return
	}
	r.mu.Lock()
	r.env[string(nameBytes)] = string(valBytes)
	snapshot := r.envSnapshotLocked()
	r.mu.Unlock()
	r.mgr.VFS().SetEnv(snapshot)
}
