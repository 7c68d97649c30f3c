package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ranacseruet/clawphone/internal/logging"
)

type Options struct {
	// MaxConcurrent bounds simultaneous backend calls. Values < 1 mean 1.
	MaxConcurrent int
	// CallTimeout caps every backend call, including ones nobody waits for
	// anymore. Zero means no ceiling.
	CallTimeout time.Duration
	Logger      *zerolog.Logger
}

// Completer receives dispatched replies. Complete returns false when the
// recipient no longer wants the reply.
type Completer interface {
	Complete(key, reply string) bool
}

// LateFunc receives the outcome of a raced call that lost to its timer.
type LateFunc func(reply string, err error)

// Gateway serializes access to a Backend through a FIFO semaphore.
type Gateway struct {
	backend     Backend
	slots       *semaphore.Weighted
	max         int64
	callTimeout time.Duration
	log         zerolog.Logger

	inUse    atomic.Int64
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewGateway wraps b. A nil b yields a gateway whose calls all fail with
// ErrNoBackend.
func NewGateway(b Backend, opts Options) *Gateway {
	max := int64(opts.MaxConcurrent)
	if max < 1 {
		max = 1
	}
	lg := logging.Component("agent")
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Gateway{
		backend:     b,
		slots:       semaphore.NewWeighted(max),
		max:         max,
		callTimeout: opts.CallTimeout,
		log:         lg,
	}
}

func (g *Gateway) Configured() bool { return g.backend != nil }

func (g *Gateway) BackendName() string {
	if g.backend == nil {
		return "none"
	}
	return g.backend.Name()
}

// InFlight returns the number of dispatched or raced calls still running.
func (g *Gateway) InFlight() int { return int(g.inFlight.Load()) }

// InUse returns the number of slots currently held.
func (g *Gateway) InUse() int { return int(g.inUse.Load()) }

// Invoke waits for a slot, calls the backend and releases the slot on every
// exit path. Waiting ends early only when ctx does.
func (g *Gateway) Invoke(ctx context.Context, req Request) (reply string, err error) {
	if g.backend == nil {
		metricCalls.WithLabelValues("none", "no_backend").Inc()
		return "", ErrNoBackend
	}
	name := g.backend.Name()

	queued := time.Now()
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return "", errors.Wrap(err, "waiting for agent slot")
	}
	defer g.slots.Release(1)
	metricSlotWait.Observe(float64(time.Since(queued).Milliseconds()))

	gaugeSlotsInUse.Set(float64(g.inUse.Add(1)))
	defer func() { gaugeSlotsInUse.Set(float64(g.inUse.Add(-1))) }()

	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			reply, err = "", errors.Errorf("agent backend %s panicked: %v", name, p)
			metricCalls.WithLabelValues(name, "panic").Inc()
			g.log.Error().Str("backend", name).Interface("panic", p).Msg("backend panicked")
			return
		}
		metricCallLatency.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			metricCalls.WithLabelValues(name, "error").Inc()
			return
		}
		metricCalls.WithLabelValues(name, "ok").Inc()
	}()

	reply, err = g.backend.Reply(ctx, req)
	if err != nil {
		return "", errors.Wrapf(err, "agent backend %s", name)
	}
	return reply, nil
}

// Race starts a backend call and waits at most timeout for it. When the call
// wins, ok is true and reply/err are its result. When the timer wins, ok is
// false and the call keeps running detached from ctx; its outcome is handed to
// late exactly once.
func (g *Gateway) Race(ctx context.Context, req Request, timeout time.Duration, late LateFunc) (reply string, ok bool, err error) {
	h := &handoff{ch: make(chan result, 1)}
	callCtx := context.WithoutCancel(ctx)

	g.track()
	go func() {
		defer g.untrack()
		r, e := g.Invoke(callCtx, req)
		if h.deliver(result{reply: r, err: e}) {
			return
		}
		if late != nil {
			g.runLate(late, r, e)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-h.ch:
		metricRace.WithLabelValues("inline").Inc()
		return res.reply, true, res.err
	case <-timer.C:
	}

	if res, got := h.abandon(); got {
		metricRace.WithLabelValues("inline").Inc()
		return res.reply, true, res.err
	}
	metricRace.WithLabelValues("deferred").Inc()
	return "", false, nil
}

// Dispatch runs the call in the background and hands the reply to sink under
// key. Backend errors are replaced by Apology.
func (g *Gateway) Dispatch(key string, req Request, sink Completer) {
	g.track()
	go func() {
		defer g.untrack()
		reply, err := g.Invoke(context.Background(), req)
		if err != nil {
			g.log.Warn().Err(err).Str("key", key).Str("channel", req.Channel).Msg("agent call failed")
			reply = Apology
		}
		if !g.complete(sink, key, reply) {
			g.log.Debug().Str("key", key).Msg("reply discarded, turn no longer pending")
		}
	}()
}

// complete hands reply to sink. If the sink panics, the panic is logged and
// the sink is offered Apology once instead.
func (g *Gateway) complete(sink Completer, key, reply string) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			metricCompletionPanics.WithLabelValues("dispatch").Inc()
			g.log.Error().Interface("panic", p).Str("key", key).Msg("reply completion panicked")
			ok = reply != Apology && g.complete(sink, key, Apology)
		}
	}()
	return sink.Complete(key, reply)
}

func (g *Gateway) runLate(late LateFunc, reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			metricCompletionPanics.WithLabelValues("late").Inc()
			g.log.Error().Interface("panic", p).Msg("late reply handler panicked")
		}
	}()
	late(reply, err)
}

// Wait blocks until every dispatched and abandoned call has finished, or ctx ends.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%d agent calls still running", g.InFlight())
	}
}

func (g *Gateway) track() {
	g.wg.Add(1)
	gaugeInFlight.Set(float64(g.inFlight.Add(1)))
}

func (g *Gateway) untrack() {
	gaugeInFlight.Set(float64(g.inFlight.Add(-1)))
	g.wg.Done()
}

type result struct {
	reply string
	err   error
}

// handoff passes a raced result to exactly one of the waiting caller or the
// late callback.
type handoff struct {
	mu        sync.Mutex
	abandoned bool
	ch        chan result
}

// deliver offers res to the caller. It returns false if the caller has given up.
func (h *handoff) deliver(res result) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abandoned {
		return false
	}
	h.ch <- res
	return true
}

// abandon marks the caller gone unless a result arrived first, in which case
// that result is returned.
func (h *handoff) abandon() (result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case res := <-h.ch:
		return res, true
	default:
		h.abandoned = true
		return result{}, false
	}
}
