//go:build integration

package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestLivez(t *testing.T) {
	resp := do(t, http.MethodGet, "/livez", "", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	body := decodeJSON[healthResponse](t, resp)
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %q", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	resp := do(t, http.MethodGet, "/readyz", "", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	body := decodeJSON[healthResponse](t, resp)
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %q", body.Status)
	}
}

func TestMetrics(t *testing.T) {
	// Generate at least one observed API request first.
	doGet(t, "/api/products").Body.Close()

	resp := do(t, http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, name := range []string{"keychain_http_requests_total", "keychain_db_pool_acquired_conns"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("metric %s not exposed", name)
		}
	}
}
