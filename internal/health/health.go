package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ranacseruet/clawphone/internal/clock"
)

type Status struct {
	OK                bool    `json:"ok"`
	Version           string  `json:"version"`
	Uptime            float64 `json:"uptime"`
	ActiveTurns       int     `json:"activeTurns"`
	BackendConfigured bool    `json:"backendConfigured"`
	Backend           string  `json:"backend,omitempty"`
	InFlight          int     `json:"inFlight"`
	SlotsInUse        int     `json:"slotsInUse"`
	Draining          bool    `json:"draining,omitempty"`
}

// Sources supplies the live numbers a status report includes.
type Sources struct {
	ActiveTurns func() int
	InFlight    func() int
	SlotsInUse  func() int
	Backend     string
	Configured  bool
}

// Reporter builds the service's health status. It reports not-ok once
// draining has begun so load balancers stop routing new calls.
type Reporter struct {
	version string
	clock   clock.Clock
	started time.Time
	src     Sources

	draining atomic.Bool
}

func NewReporter(version string, src Sources, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Reporter{version: version, clock: clk, started: clk.Now(), src: src}
}

func (r *Reporter) SetDraining() { r.draining.Store(true) }

func (r *Reporter) Draining() bool { return r.draining.Load() }

func (r *Reporter) Status() Status {
	s := Status{
		OK:                !r.Draining(),
		Version:           r.version,
		Uptime:            r.clock.Now().Sub(r.started).Seconds(),
		BackendConfigured: r.src.Configured,
		Backend:           r.src.Backend,
		Draining:          r.Draining(),
	}
	if r.src.ActiveTurns != nil {
		s.ActiveTurns = r.src.ActiveTurns()
	}
	if r.src.InFlight != nil {
		s.InFlight = r.src.InFlight()
	}
	if r.src.SlotsInUse != nil {
		s.SlotsInUse = r.src.SlotsInUse()
	}
	return s
}

func (r *Reporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s := r.Status()
	w.Header().Set("Content-Type", "application/json")
	if !s.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(s)
}

type CheckResult struct {
	URL       string  `json:"url"`
	OK        bool    `json:"ok"`
	LatencyMS int64   `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
	Status    *Status `json:"status,omitempty"`
}

func (c CheckResult) String() string {
	mark := "✓"
	if !c.OK {
		mark = "✗"
	}
	s := fmt.Sprintf("%s %s (%dms)", mark, c.URL, c.LatencyMS)
	if c.Status != nil {
		s += fmt.Sprintf(" version=%s uptime=%.0fs activeTurns=%d inFlight=%d slotsInUse=%d backend=%s",
			c.Status.Version, c.Status.Uptime, c.Status.ActiveTurns, c.Status.InFlight, c.Status.SlotsInUse, c.Status.Backend)
	}
	if c.Error != "" {
		s += " - " + c.Error
	}
	return s
}

// Check fetches a running server's health endpoint.
func Check(ctx context.Context, url string) CheckResult {
	start := time.Now()
	result := CheckResult{URL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = errors.Wrap(err, "request build failed").Error()
		result.LatencyMS = time.Since(start).Milliseconds()
		return result
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = errors.Wrap(err, "request failed").Error()
		result.LatencyMS = time.Since(start).Milliseconds()
		return result
	}
	defer resp.Body.Close()
	result.LatencyMS = time.Since(start).Milliseconds()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		result.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body))
		return result
	}
	result.Status = &st
	if resp.StatusCode != http.StatusOK || !st.OK {
		result.Error = fmt.Sprintf("unhealthy (status %d, draining=%t)", resp.StatusCode, st.Draining)
		return result
	}
	result.OK = true
	return result
}
