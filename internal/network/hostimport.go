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
	"encoding/base64"
	"encoding/json"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const hostModuleName = "network"

// fetchRequest/fetchResponse are the JSON envelope fetch_sync reads
// and writes, mirroring the shell and extension packages' host-import
// convention: binary fields are base64 so the envelope stays valid
// UTF-8 JSON.
type fetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

type fetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
	Error   string            `json:"error,omitempty"`
}

// fetcher is satisfied by both Gateway (non-worker mode, direct
// dispatch) and Bridge (worker mode, SAB-rendezvous dispatch), so
// Instantiate below can build the same host module for either.
type fetcher interface {
	doFetch(ctx context.Context, req fetchRequest) (FetchResult, error)
}

func (g *Gateway) doFetch(ctx context.Context, req fetchRequest) (FetchResult, error) {
	body, err := base64.StdEncoding.DecodeString(req.BodyB64)
	if err != nil {
		return FetchResult{}, err
	}
	return g.Fetch(ctx, req.URL, FetchOpts{Method: req.Method, Headers: req.Headers, Body: body})
}

func (b *Bridge) doFetch(ctx context.Context, req fetchRequest) (FetchResult, error) {
	body, err := base64.StdEncoding.DecodeString(req.BodyB64)
	if err != nil {
		return FetchResult{}, err
	}
	return b.Request(ctx, BridgeRequest{URL: req.URL, Opts: FetchOpts{Method: req.Method, Headers: req.Headers, Body: body}})
}

// Instantiate builds the "network" host module a guest imports
// fetch_sync from. Pass a *Gateway for direct (non-worker) dispatch,
// or a *Bridge to route through the worker rendezvous.
func Instantiate(ctx context.Context, rt wazero.Runtime, f fetcher) (api.Module, error) {
	return rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen, respPtr, respCap uint32) int32 {
			return fetchSyncHostFunc(ctx, mod, f, reqPtr, reqLen, respPtr, respCap)
		}).
		Export("fetch_sync").
		Instantiate(ctx, rt)
}

// fetchSyncHostFunc is fetch_sync(reqPtr, reqLen, respPtr, respCap) →
// actualRespLen, negative on a ptr/encoding fault. A policy denial or
// transport error is not such a fault: it is reported inside a normal
// fetchResponse (status 0, error set) so the guest can surface it as
// its own error rather than a host trap.
func fetchSyncHostFunc(ctx context.Context, mod api.Module, f fetcher, reqPtr, reqLen, respPtr, respCap uint32) int32 {
	reqBytes, ok := mod.Memory().Read(reqPtr, reqLen)
	if !ok {
		return -1
	}
	var req fetchRequest
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		return -1
	}

	var resp fetchResponse
	result, err := f.doFetch(ctx, req)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Status = result.Status
		resp.Headers = result.Headers
		resp.BodyB64 = base64.StdEncoding.EncodeToString(result.Body)
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
