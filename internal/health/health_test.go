package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranacseruet/clawphone/internal/clock"
)

func TestStatusReportsSources(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	r := NewReporter("1.2.3", Sources{
		ActiveTurns: func() int { return 3 },
		InFlight:    func() int { return 2 },
		SlotsInUse:  func() int { return 1 },
		Backend:     "command",
		Configured:  true,
	}, clk)
	clk.Advance(90 * time.Second)

	s := r.Status()
	assert.True(t, s.OK)
	assert.Equal(t, "1.2.3", s.Version)
	assert.Equal(t, 90.0, s.Uptime)
	assert.Equal(t, 3, s.ActiveTurns)
	assert.Equal(t, 2, s.InFlight)
	assert.Equal(t, 1, s.SlotsInUse)
	assert.True(t, s.BackendConfigured)
	assert.False(t, s.Draining)
}

func TestServeHTTPJSONShape(t *testing.T) {
	r := NewReporter("dev", Sources{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	for _, k := range []string{"ok", "version", "uptime", "activeTurns", "backendConfigured", "slotsInUse"} {
		assert.Contains(t, raw, k)
	}
}

func TestDrainingIsUnhealthy(t *testing.T) {
	r := NewReporter("dev", Sources{}, nil)
	r.SetDraining()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, r.Status().OK)
}

func TestCheck(t *testing.T) {
	r := NewReporter("dev", Sources{Backend: "api", Configured: true}, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	res := Check(context.Background(), srv.URL)
	assert.True(t, res.OK)
	require.NotNil(t, res.Status)
	assert.Equal(t, "api", res.Status.Backend)
	assert.Contains(t, res.String(), "version=dev")

	r.SetDraining()
	res = Check(context.Background(), srv.URL)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "draining=true")
}

func TestCheckUnreachable(t *testing.T) {
	res := Check(context.Background(), "http://127.0.0.1:1/health")
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "request failed")
}

func TestCheckLatencyInMilliseconds(t *testing.T) {
	r := NewReporter("dev", Sources{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(30 * time.Millisecond)
		r.ServeHTTP(w, req)
	}))
	defer srv.Close()

	res := Check(context.Background(), srv.URL)
	require.True(t, res.OK)
	assert.GreaterOrEqual(t, res.LatencyMS, int64(30))

	var raw map[string]any
	out, err := json.Marshal(res)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &raw))
	ms, ok := raw["latency_ms"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ms, 30.0)
	assert.Less(t, ms, 10000.0, "latency_ms must not be nanoseconds")
}
