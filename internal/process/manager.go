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

// Package process is the process manager: it
// resolves a registered tool to a compiled wazero module, wires stdio
// and the VFS through the wasihost package, enforces deadlines and
// cancellation, and maps the outcome to a RunResult.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/wsandbox/sandbox/internal/fd"
	"github.com/wsandbox/sandbox/internal/vfs"
	"github.com/wsandbox/sandbox/internal/wasihost"
	"github.com/wsandbox/sandbox/internal/wasirt"
)

// Tool is a registered spawn target: a name resolves to the location of
// a compiled .wasm module on disk.
type Tool struct {
	Name     string
	Location string
}

// SpawnOpts configures one invocation. Stdin is an io.Reader rather
// than a byte slice so the shell runner can wire a *pipe.Pipe directly
// as one command's input while the previous command in a pipeline is
// still writing to it.
type SpawnOpts struct {
	Args   []string
	Env    map[string]string
	Stdin  io.Reader
	Cwd    string
	Limits Limits
}

// Manager is the process manager. One Manager is created per Sandbox and
// shares its Adapter's module cache across every spawn.
type Manager struct {
	adapter *wasirt.Adapter
	v       *vfs.VFS
	tools   map[string]Tool
	log     *logrus.Entry
}

// NewManager returns a Manager that spawns modules against v using
// adapter's compiled-module cache.
func NewManager(adapter *wasirt.Adapter, v *vfs.VFS, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{adapter: adapter, v: v, tools: make(map[string]Tool), log: log}
}

// RegisterTool records name → moduleLocation.
func (m *Manager) RegisterTool(name, moduleLocation string) {
	m.tools[name] = Tool{Name: name, Location: moduleLocation}
}

// Tools returns a copy of the registered tool set, keyed by name. Used
// by Sandbox.Fork to re-point a sibling Manager at the same module
// locations without re-scanning wasmDir.
func (m *Manager) Tools() map[string]Tool {
	out := make(map[string]Tool, len(m.tools))
	for k, v := range m.tools {
		out[k] = v
	}
	return out
}

// SpawnSync runs name to completion and returns its RunResult. It is the
// synchronous entry point the guest shell's spawn_sync host import calls
// through.
func (m *Manager) SpawnSync(ctx context.Context, name string, opts SpawnOpts) (RunResult, error) {
	var stdoutBuf bytes.Buffer
	return m.spawnSync(ctx, name, opts, &stdoutBuf)
}

// SpawnSyncStreaming behaves like SpawnSync but writes stdout to
// stdoutDst as it is produced, rather than only after the guest exits.
// The returned RunResult.Stdout holds that output only when stdoutDst is
// a *bytes.Buffer; for any other writer it is empty.
// The shell runner's pipeline stitcher uses this to connect one
// command's stdout to the next command's stdin via a *pipe.Pipe while
// both run concurrently.
func (m *Manager) SpawnSyncStreaming(ctx context.Context, name string, opts SpawnOpts, stdoutDst io.Writer) (RunResult, error) {
	return m.spawnSync(ctx, name, opts, stdoutDst)
}

func (m *Manager) spawnSync(ctx context.Context, name string, opts SpawnOpts, stdoutDst io.Writer) (RunResult, error) {
	tool, ok := m.tools[name]
	if !ok {
		return RunResult{}, fmt.Errorf("process: unknown tool %q", name)
	}

	limits := opts.Limits.WithDefaults()
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.DeadlineMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.Deadline())
	}
	defer cancel()

	compiled, err := m.adapter.Load(runCtx, tool.Location)
	if err != nil {
		return RunResult{}, err
	}

	tbl := fd.New(m.v)
	var stderrBuf bytes.Buffer
	stdoutW := wasihost.NewLimitedWriter(stdoutDst, limits.StdoutBytes)
	stderrW := wasihost.NewLimitedWriter(&stderrBuf, limits.StderrBytes)

	stdin := opts.Stdin
	if stdin == nil {
		stdin = bytes.NewReader(nil)
	}
	cfg := wasihost.BuildModuleConfig(wasihost.Config{
		Args:   append([]string{name}, opts.Args...),
		Env:    opts.Env,
		Stdin:  stdin,
		Stdout: stdoutW,
		Stderr: stderrW,
		FS:     m.v,
		FDs:    tbl,
	})

	result := RunResult{
		Stdout:    []byte{},
		Stderr:    []byte{},
		Truncated: Truncated{},
	}

	_, runErr := m.adapter.Runtime().InstantiateModule(runCtx, compiled, cfg)

	if buf, ok := stdoutDst.(*bytes.Buffer); ok {
		result.Stdout = buf.Bytes()
	}
	result.Stderr = stderrBuf.Bytes()
	result.Truncated = Truncated{Stdout: stdoutW.Truncated(), Stderr: stderrW.Truncated()}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = ExitTimeout
		result.ErrorClass = ErrorClassTimeout
	case ctx.Err() == context.Canceled:
		result.ExitCode = ExitCancelled
		result.ErrorClass = ErrorClassCancelled
	case runErr != nil:
		result.ExitCode, result.ErrorClass = ClassifyExit(runErr)
		if result.ErrorClass == ErrorClassTrap {
			m.log.WithError(runErr).WithField("tool", name).Warn("guest module trapped")
		}
	default:
		result.ExitCode = ExitOK
	}

	return result, nil
}

// exitError is the interface wazero's sys.ExitError satisfies; matched
// structurally here so this package does not need to import wazero's
// internal sys types directly.
type exitError interface {
	error
	ExitCode() uint32
}

// ClassifyExit maps a wazero InstantiateModule error to an exit code and
// ErrorClass: a sys.ExitError carries the guest's own proc_exit code,
// anything else (trap, unreachable, invalid memory access) is ExitTrap.
func ClassifyExit(err error) (int, ErrorClass) {
	var ee exitError
	if errors.As(err, &ee) {
		code := int(ee.ExitCode())
		if code == ExitOK {
			return ExitOK, ErrorClassNone
		}
		return code, ErrorClassNone
	}
	// Any other failure (missing export, invalid memory access, unreachable,
	// stack overflow, ...) is a host-observed trap.
	return ExitTrap, ErrorClassTrap
}

// Spawn runs name asynchronously and returns a future-like channel that
// receives exactly one RunResult.
func (m *Manager) Spawn(ctx context.Context, name string, opts SpawnOpts) <-chan SpawnOutcome {
	out := make(chan SpawnOutcome, 1)
	go func() {
		start := time.Now()
		res, err := m.SpawnSync(ctx, name, opts)
		out <- SpawnOutcome{Result: res, Err: err, Duration: time.Since(start)}
		close(out)
	}()
	return out
}

// SpawnOutcome is delivered on the channel Spawn returns.
type SpawnOutcome struct {
	Result   RunResult
	Err      error
	Duration time.Duration
}

// Runtime exposes the adapter's runtime for callers (the shell
// runner) that need to instantiate the guest shell parser directly
// rather than through SpawnSync.
func (m *Manager) Runtime() wazero.Runtime {
	return m.adapter.Runtime()
}

// VFS returns the VFS this manager's spawns read and write.
func (m *Manager) VFS() *vfs.VFS {
	return m.v
}
