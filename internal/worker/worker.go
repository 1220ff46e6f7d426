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

// Package worker runs guest invocations on a dedicated goroutine with
// its own process.Manager, and communicates with the caller strictly
// by message passing — no shared mutable state crosses the goroutine
// boundary except through the request/response channels.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/wsandbox/sandbox/internal/process"
)

// RunRequest is one job handed to the worker.
type RunRequest struct {
	Tool       string
	Opts       process.SpawnOpts
	DeadlineMs int
}

// RunResponse is what a job resolves to.
type RunResponse struct {
	Result process.RunResult
	Err    error
}

// Executor owns at most one live worker goroutine at a time. A killed
// or never-started worker is created lazily on the next Run, so a
// subsequent run transparently gets a fresh worker.
type Executor struct {
	mgr *process.Manager

	mu      sync.Mutex
	jobs    chan job
	cancel  context.CancelFunc
	pending map[chan RunResponse]struct{}
}

type job struct {
	req  RunRequest
	resp chan RunResponse
}

// NewExecutor returns an Executor that runs jobs against mgr.
func NewExecutor(mgr *process.Manager) *Executor {
	return &Executor{mgr: mgr}
}

// ensureWorker starts the background goroutine if none is running.
// Caller must hold e.mu.
func (e *Executor) ensureWorker() chan job {
	if e.jobs != nil {
		return e.jobs
	}
	jobs := make(chan job)
	ctx, cancel := context.WithCancel(context.Background())
	e.jobs = jobs
	e.cancel = cancel
	e.pending = make(map[chan RunResponse]struct{})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-jobs:
				if !ok {
					return
				}
				e.execute(ctx, j)
			}
		}
	}()
	return jobs
}

func (e *Executor) execute(ctx context.Context, j job) {
	runCtx := ctx
	cancel := func() {}
	if j.req.DeadlineMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(j.req.DeadlineMs)*time.Millisecond)
	}
	defer cancel()

	res, err := e.mgr.SpawnSync(runCtx, j.req.Tool, j.req.Opts)
	select {
	case j.resp <- RunResponse{Result: res, Err: err}:
	case <-ctx.Done():
		// The worker was killed mid-run; the caller already got its
		// {125, CANCELLED} response from Run and stopped listening.
	}
}

// Run spawns a worker if none exists, sends a run message, and awaits
// the response. Cancelling ctx before the worker replies resolves the
// call with {125, CANCELLED} without killing the worker itself; use
// Kill for that.
func (e *Executor) Run(ctx context.Context, req RunRequest) RunResponse {
	e.mu.Lock()
	jobs := e.ensureWorker()
	resp := make(chan RunResponse, 1)
	e.pending[resp] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, resp)
		e.mu.Unlock()
	}()

	select {
	case jobs <- job{req: req, resp: resp}:
	case <-ctx.Done():
		return cancelledResponse()
	}

	select {
	case r := <-resp:
		return r
	case <-ctx.Done():
		return cancelledResponse()
	}
}

func cancelledResponse() RunResponse {
	return RunResponse{Result: process.RunResult{ExitCode: process.ExitCancelled, ErrorClass: process.ErrorClassCancelled}}
}

// Kill terminates the current worker. Any run in flight resolves with
// {exitCode: 125, errorClass: CANCELLED}, delivered directly to each
// pending Run call's response channel. The next Run starts a fresh
// worker.
func (e *Executor) Kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	for resp := range e.pending {
		select {
		case resp <- cancelledResponse():
		default:
		}
	}
	e.jobs = nil
	e.cancel = nil
	e.pending = nil
}
