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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGatewayDoFetchReachesServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bridge response"))
	}))
	defer srv.Close()

	gw := NewGateway(Policy{AllowedHosts: []string{"127.0.0.1"}}, nil)
	result, err := gw.doFetch(context.Background(), fetchRequest{URL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != 200 || string(result.Body) != "bridge response" {
		t.Errorf("result = %+v", result)
	}
}

func TestGatewayDoFetchDeniedByPolicy(t *testing.T) {
	gw := NewGateway(Policy{BlockedHosts: []string{"evil.com"}}, nil)
	_, err := gw.doFetch(context.Background(), fetchRequest{URL: "https://evil.com/", Method: "GET"})
	if err == nil {
		t.Fatal("expected a policy denial error")
	}
}

func TestFetchResponseEnvelopeRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	gw := NewGateway(Policy{AllowedHosts: []string{"*"}}, nil)
	req := fetchRequest{URL: srv.URL, Method: "GET"}
	result, err := gw.doFetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	resp := fetchResponse{Status: result.Status}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var decoded fetchResponse
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Status != 200 {
		t.Errorf("decoded.Status = %d, want 200", decoded.Status)
	}
}
