//go:build integration

package integration

import (
	"net/http"
	"testing"
)

func TestRequestID_Generated(t *testing.T) {
	resp := do(t, http.MethodGet, "/livez", "", nil)
	defer resp.Body.Close()

	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header not present")
	}
}

func TestRequestID_Echoed(t *testing.T) {
	resp := do(t, http.MethodGet, "/livez", "", nil, header{"X-Request-ID", "custom-request-id-12345"})
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "custom-request-id-12345" {
		t.Errorf("X-Request-ID: got %q, want %q", got, "custom-request-id-12345")
	}
}

func TestCORS_Preflight(t *testing.T) {
	resp := do(t, http.MethodOptions, "/api/orders", "", nil,
		header{"Origin", "http://example.com"},
		header{"Access-Control-Request-Method", "POST"},
		header{"Access-Control-Request-Headers", "Authorization, Idempotency-Key"},
	)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusNoContent)

	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("Access-Control-Allow-Origin header not present")
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods header not present")
	}
	if resp.Header.Get("Access-Control-Allow-Headers") == "" {
		t.Error("Access-Control-Allow-Headers header not present")
	}
}

func TestCORS_SimpleRequest(t *testing.T) {
	resp := do(t, http.MethodGet, "/api/products", customerToken, nil, header{"Origin", "http://example.com"})
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("Access-Control-Allow-Origin header not present")
	}
}

func TestRateLimit_Headers(t *testing.T) {
	resp := doGet(t, "/api/products")
	defer resp.Body.Close()

	if resp.Header.Get("X-RateLimit-Limit") == "" {
		t.Error("X-RateLimit-Limit header not present")
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining header not present")
	}
}

func TestUnknownRoute(t *testing.T) {
	resp := doGet(t, "/api/does-not-exist")
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusNotFound)

	body := decodeJSON[errorResponse](t, resp)
	if body.Error != "not_found" {
		t.Errorf("error: got %q, want not_found", body.Error)
	}
}
