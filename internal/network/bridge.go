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

package network

import (
	"context"
	"sync"
)

// bridgeStatus mirrors the 32-bit status word a browser implementation
// would store at offset 0 of the request SharedArrayBuffer.
type bridgeStatus int32

const (
	statusIdle bridgeStatus = iota
	statusRequest
	statusResponse
	statusError
)

// BridgeRequest is the decoded form of what a guest encodes before
// flipping the status word to REQUEST.
type BridgeRequest struct {
	URL  string
	Opts FetchOpts
}

// BridgeResponse is the decoded form of what the main-thread handler
// encodes before flipping the status word to RESPONSE or ERROR.
type BridgeResponse struct {
	Result FetchResult
	Err    error
}

// Bridge runs the synchronous fetch rendezvous for a guest executing
// in worker mode. In place of a real SharedArrayBuffer and futex-wait —
// neither of which Go has — the status word is a plain int guarded by
// a sync.Cond. One Bridge serves one worker at a time; concurrent
// callers of Request are queued behind the mutex.
type Bridge struct {
	gw *Gateway

	mu     sync.Mutex
	cond   *sync.Cond
	status bridgeStatus
	req    BridgeRequest
	resp   BridgeResponse
}

// NewBridge returns a Bridge that services requests through gw.
func NewBridge(gw *Gateway) *Bridge {
	b := &Bridge{gw: gw, status: statusIdle}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Request is the guest-side call: it stores req, wakes the handler
// goroutine, and futex-waits (via cond.Wait) on the status word until
// a response or error is posted. It blocks the calling goroutine, the
// same way the guest's real implementation blocks the worker thread.
func (b *Bridge) Request(ctx context.Context, req BridgeRequest) (FetchResult, error) {
	b.mu.Lock()
	for b.status != statusIdle {
		b.cond.Wait()
	}
	b.req = req
	b.status = statusRequest
	b.cond.Broadcast()

	for b.status == statusRequest {
		b.cond.Wait()
	}
	resp := b.resp
	b.status = statusIdle
	b.cond.Broadcast()
	b.mu.Unlock()

	return resp.Result, resp.Err
}

// Serve runs the main-thread handler loop: on each REQUEST it calls
// the gateway, stores RESPONSE/ERROR, and wakes whoever is waiting.
// Serve returns when ctx is cancelled; it is meant to run for the
// lifetime of one worker.
func (b *Bridge) Serve(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
		close(done)
	}()

	for {
		b.mu.Lock()
		for b.status != statusRequest {
			if ctx.Err() != nil {
				b.mu.Unlock()
				<-done
				return
			}
			b.cond.Wait()
		}
		req := b.req
		b.mu.Unlock()

		result, err := b.gw.Fetch(ctx, req.URL, req.Opts)

		b.mu.Lock()
		b.resp = BridgeResponse{Result: result, Err: err}
		if err != nil {
			b.status = statusError
		} else {
			b.status = statusResponse
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}
