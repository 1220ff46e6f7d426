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

// Package network implements the network gateway and worker bridge: a
// deny-by-default host policy plus a synchronous fetch path standing in
// for a browser's SharedArrayBuffer + futex-wait rendezvous — a
// condition variable guarding the status word is equivalent where no
// real futex exists.
package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBodyCap = 10 * 1024 * 1024

// Policy is the network access policy a Sandbox enforces: allowedHosts
// takes precedence over blockedHosts; with neither set, every request
// is denied.
type Policy struct {
	AllowedHosts []string
	BlockedHosts []string
	// OnRequest is consulted for every fetch after the static host
	// check passes. An error return denies the request — an error from
	// within OnRequest itself propagates as a denial too.
	OnRequest func(ctx context.Context, rawURL, method string, headers map[string]string) error
}

// FetchOpts configures one NetworkGateway.Fetch call.
type FetchOpts struct {
	Method  string
	Headers map[string]string
	Body    []byte
	BodyCap int
}

// FetchResult is what Fetch returns on success.
type FetchResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Gateway mediates every outbound network call a guest makes, either
// directly (non-worker mode) or via Bridge (worker mode).
type Gateway struct {
	policy Policy
	client *http.Client
}

// NewGateway returns a Gateway enforcing policy. client may be nil, in
// which case http.DefaultClient is used.
func NewGateway(policy Policy, client *http.Client) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &Gateway{policy: policy, client: client}
}

// CheckAccess reports whether method on rawURL's host is permitted by
// the static policy alone (no OnRequest callback).
func (g *Gateway) CheckAccess(rawURL, method string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("network: invalid url %q: %w", rawURL, err)
	}
	if !hostAllowed(u.Hostname(), g.policy) {
		return fmt.Errorf("network: host %q denied by policy", u.Hostname())
	}
	return nil
}

// hostAllowed implements the policy's matching rules: exact equality,
// bare "*" matches everything, "*.suffix" matches any host whose label
// ends with ".suffix" but never the bare suffix itself.
func hostAllowed(host string, p Policy) bool {
	if len(p.AllowedHosts) > 0 {
		for _, pat := range p.AllowedHosts {
			if hostMatches(host, pat) {
				return true
			}
		}
		return false
	}
	if len(p.BlockedHosts) > 0 {
		for _, pat := range p.BlockedHosts {
			if hostMatches(host, pat) {
				return false
			}
		}
		return true
	}
	return false
}

func hostMatches(host, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keep the leading dot: ".suffix"
		return strings.HasSuffix(host, suffix) && host != suffix[1:]
	}
	return host == pattern
}

// Fetch runs the static check, the optional onRequest hook, then
// delegates to the real HTTP client, enforcing a body cap (10 MiB by
// default).
func (g *Gateway) Fetch(ctx context.Context, rawURL string, opts FetchOpts) (FetchResult, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	if err := g.CheckAccess(rawURL, method); err != nil {
		return FetchResult{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	if g.policy.OnRequest != nil {
		if err := g.policy.OnRequest(ctx, rawURL, method, opts.Headers); err != nil {
			return FetchResult{}, fmt.Errorf("network: onRequest denied request: %w", err)
		}
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = strings.NewReader(string(opts.Body))
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return FetchResult{}, err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	bodyCap := opts.BodyCap
	if bodyCap <= 0 {
		bodyCap = defaultBodyCap
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(bodyCap)))
	if err != nil {
		return FetchResult{}, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return FetchResult{Status: resp.StatusCode, Headers: headers, Body: data}, nil
}

// defaultTimeout bounds a fetch that specifies no deadline of its own;
// the worker bridge layers its own cancellation on top of this.
const defaultTimeout = 30 * time.Second
