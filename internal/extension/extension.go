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

// Package extension implements the host-side extension registry: guest
// .wasm modules call a single extension_call host import to reach a
// named, host-registered capability, whether that capability is a
// bundled command tool or a host-native Go handler.
package extension

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wsandbox/sandbox/internal/process"
)

const hostModuleName = "extensions"

// Kind is the machine-readable error kind for extension failures.
type Kind string

const (
	NotFound     Kind = "NOT_FOUND"
	HandlerError Kind = "HANDLER_ERROR"
)

// Error is returned by Call when name is unregistered or its handler
// itself fails to run (as opposed to the extension's own command
// exiting non-zero, which is a normal CallResult, not an Error).
type Error struct {
	Kind Kind
	Name string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("extension %s: %s: %s", e.Name, e.Kind, e.Msg)
}

// CallResult is what a successful extension invocation returns to its
// guest caller.
type CallResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Handler is a host-native extension implementation. args, stdin, env
// and cwd mirror a normal tool invocation; ctx carries the calling
// spawn's deadline/cancellation.
type Handler func(ctx context.Context, args []string, stdin []byte, env map[string]string, cwd string) (CallResult, error)

// Config is one entry passed to Registry.Register, matching
// ExtensionRegistry.register({name, command?, pythonPackage?}).
// Exactly one of Command, PythonPackage or Handler should be set; the
// registry prefers Handler, then Command, then PythonPackage.
type Config struct {
	Name          string
	Command       string
	PythonPackage string
	Handler       Handler
}

// pythonTool is the registered tool name Registry assumes hosts a
// Python interpreter, used for PythonPackage-backed extensions (`python3
// -m <package> ...`). Sandbox wiring registers it like any other tool,
// from a python3.wasm file in wasmDir.
const pythonTool = "python3"

// Registry holds every registered extension and dispatches extension_call.
type Registry struct {
	mgr *process.Manager

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry. mgr is used to spawn
// Command/PythonPackage-backed extensions through the process manager's
// existing tool registry, reusing its module cache, limits and deadline
// handling rather than duplicating them.
func NewRegistry(mgr *process.Manager) *Registry {
	return &Registry{mgr: mgr, handlers: make(map[string]Handler)}
}

// Register installs cfg under cfg.Name, overwriting any prior
// registration of the same name.
func (r *Registry) Register(cfg Config) error {
	handler := cfg.Handler
	switch {
	case handler != nil:
	case cfg.Command != "":
		handler = r.commandHandler(cfg.Command)
	case cfg.PythonPackage != "":
		handler = r.pythonPackageHandler(cfg.PythonPackage)
	default:
		return fmt.Errorf("extension: register %q: one of Handler, Command or PythonPackage is required", cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cfg.Name] = handler
	return nil
}

func (r *Registry) commandHandler(tool string) Handler {
	return func(ctx context.Context, args []string, stdin []byte, env map[string]string, cwd string) (CallResult, error) {
		return r.runTool(ctx, tool, args, stdin, env, cwd)
	}
}

func (r *Registry) pythonPackageHandler(pkg string) Handler {
	return func(ctx context.Context, args []string, stdin []byte, env map[string]string, cwd string) (CallResult, error) {
		return r.runTool(ctx, pythonTool, append([]string{"-m", pkg}, args...), stdin, env, cwd)
	}
}

func (r *Registry) runTool(ctx context.Context, tool string, args []string, stdin []byte, env map[string]string, cwd string) (CallResult, error) {
	res, err := r.mgr.SpawnSync(ctx, tool, process.SpawnOpts{
		Args:  args,
		Env:   env,
		Stdin: bytes.NewReader(stdin),
		Cwd:   cwd,
	})
	if err != nil {
		return CallResult{}, err
	}
	return CallResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// Call dispatches to the handler registered under name. It is what
// extension_call resolves to for guests invoked directly by host Go
// code (tests, or a host-native caller bypassing the wazero import);
// guest .wasm callers instead go through the wired host function built
// by Instantiate.
func (r *Registry) Call(ctx context.Context, name string, args []string, stdin []byte, env map[string]string, cwd string) (CallResult, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return CallResult{}, &Error{Kind: NotFound, Name: name, Msg: "no extension registered under this name"}
	}
	res, err := handler(ctx, args, stdin, env, cwd)
	if err != nil {
		return CallResult{}, &Error{Kind: HandlerError, Name: name, Msg: err.Error()}
	}
	return res, nil
}

// callRequest/callResponse are the JSON envelope extension_call reads
// and writes, mirroring the shell package's spawn_sync convention:
// binary fields are base64 so the envelope stays valid UTF-8 JSON.
type callRequest struct {
	Name     string            `json:"name"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	StdinB64 string            `json:"stdin_b64"`
	Cwd      string            `json:"cwd"`
}

type callResponse struct {
	ExitCode  int    `json:"exit_code"`
	ErrorKind string `json:"error_kind,omitempty"`
	StdoutB64 string `json:"stdout_b64"`
	StderrB64 string `json:"stderr_b64"`
}

// Instantiate builds the "extensions" host module a guest imports
// extension_call from. One instance is shared by every spawn that
// wires it in; Registry itself is safe for concurrent Call/Register.
func (r *Registry) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	return rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(r.extensionCallHostFunc).
		Export("extension_call").
		Instantiate(ctx, rt)
}

// extensionCallHostFunc is extension_call(reqPtr, reqLen, respPtr,
// respCap) → actualRespLen, negative on a ptr/encoding fault. A
// NOT_FOUND or HANDLER_ERROR is not such a fault: it is reported inside
// a normal callResponse so the guest can surface it as its own error,
// the same way a missing tool reports through RunResult rather than a
// host trap.
func (r *Registry) extensionCallHostFunc(ctx context.Context, mod api.Module, reqPtr, reqLen, respPtr, respCap uint32) int32 {
	reqBytes, ok := mod.Memory().Read(reqPtr, reqLen)
	if !ok {
		return -1
	}
	var req callRequest
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		return -1
	}
	stdin, err := base64.StdEncoding.DecodeString(req.StdinB64)
	if err != nil {
		return -1
	}

	var resp callResponse
	result, callErr := r.Call(ctx, req.Name, req.Args, stdin, req.Env, req.Cwd)
	if callErr != nil {
		if extErr, ok := callErr.(*Error); ok {
			resp.ErrorKind = string(extErr.Kind)
			resp.ExitCode = 127
		} else {
			return -1
		}
	} else {
		resp.ExitCode = result.ExitCode
		resp.StdoutB64 = base64.StdEncoding.EncodeToString(result.Stdout)
		resp.StderrB64 = base64.StdEncoding.EncodeToString(result.Stderr)
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
