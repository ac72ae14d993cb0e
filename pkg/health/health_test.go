package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type endpointBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func passing() CheckFunc { return func(context.Context) error { return nil } }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func hitEndpoint(t *testing.T, handler http.HandlerFunc) (int, endpointBody) {
	t.Helper()
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body endpointBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func TestLive_AllPassing(t *testing.T) {
	h := New()
	h.AddLivenessCheck("a", time.Second, passing())
	h.AddLivenessCheck("b", time.Second, passing())

	code, body := hitEndpoint(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}

func TestLive_FailureThreshold(t *testing.T) {
	h := New()
	h.AddLivenessCheck("postgres", time.Second, failing("connection refused"))
	c := h.liveness[0]
	ctx := context.Background()

	c.run(ctx)
	c.run(ctx)
	code, _ := hitEndpoint(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "two failures stay below the threshold")

	c.run(ctx)
	code, body := hitEndpoint(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Checks["postgres"])
}

func TestCustomThresholds(t *testing.T) {
	down := true
	h := New()
	h.AddReadinessCheckWithThresholds("redis", time.Second, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	}, Thresholds{Failure: 1, Success: 2})
	h.SetReady(true)
	c := h.readiness[0]
	ctx := context.Background()

	c.run(ctx)
	assert.False(t, h.IsReady())

	down = false
	c.run(ctx)
	assert.False(t, h.IsReady(), "needs two passes")
	c.run(ctx)
	assert.True(t, h.IsReady())
}

func TestReady_Flag(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing())

	code, body := hitEndpoint(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks, "_readiness")
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, _ = hitEndpoint(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	code, _ = hitEndpoint(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReady_OneFailing(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.AddReadinessCheck("redis", time.Second, failing("i/o timeout"))
	h.SetReady(true)
	for range 3 {
		h.readiness[1].run(context.Background())
	}

	code, body := hitEndpoint(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"redis": "i/o timeout"}, body.Checks)
}

func TestCheck_TimeoutApplied(t *testing.T) {
	h := New()
	h.AddLivenessCheckWithThresholds("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Thresholds{Failure: 1})
	h.liveness[0].run(context.Background())

	_, body := hitEndpoint(t, h.LiveEndpoint)
	assert.Equal(t, context.DeadlineExceeded.Error(), body.Checks["slow"])
}

func TestStartStop(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, GoroutineCountCheck(100000))
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()

	h.Stop()
	h.Stop()
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, PingCheck(fakePinger{})(ctx))
	require.ErrorContains(t, PingCheck(fakePinger{err: errors.New("refused")})(ctx), "refused")

	require.NoError(t, GoroutineCountCheck(100000)(ctx))
	require.ErrorContains(t, GoroutineCountCheck(0)(ctx), "exceeds threshold")

	require.NoError(t, GCMaxPauseCheck(time.Hour)(ctx))
}
