package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ranacseruet/clawphone/internal/agent"
	"github.com/ranacseruet/clawphone/internal/auth"
	"github.com/ranacseruet/clawphone/internal/config"
	"github.com/ranacseruet/clawphone/internal/events"
	"github.com/ranacseruet/clawphone/internal/health"
	"github.com/ranacseruet/clawphone/internal/logging"
	"github.com/ranacseruet/clawphone/internal/ratelimit"
	"github.com/ranacseruet/clawphone/internal/sessions"
	"github.com/ranacseruet/clawphone/internal/sms"
	"github.com/ranacseruet/clawphone/internal/turns"
	"github.com/ranacseruet/clawphone/internal/twiml"
)

const (
	// Idle conversation history and per-call event logs outlive turns by a
	// wide margin so a caller who texts after hanging up keeps context.
	historyIdle     = 2 * time.Hour
	eventsRetention = time.Hour

	lateSMSTimeout = 30 * time.Second
)

// Deps are the components a Server orchestrates. Sessions and Events may be
// nil.
type Deps struct {
	Config   config.Config
	Verifier auth.Verifier
	Limiter  *ratelimit.Limiter
	Turns    *turns.Registry
	Gateway  *agent.Gateway
	Renderer *twiml.Renderer
	SMS      sms.Sender
	Sessions *sessions.Store
	Events   *events.Store
	Health   *health.Reporter
}

// Server answers the telephony webhooks. Every handler returns quickly; agent
// work happens on the gateway.
type Server struct {
	cfg      config.Config
	verifier auth.Verifier
	limiter  *ratelimit.Limiter
	turns    *turns.Registry
	gateway  *agent.Gateway
	render   *twiml.Renderer
	sms      sms.Sender
	sessions *sessions.Store
	events   *events.Store
	health   *health.Reporter
	log      zerolog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		verifier: d.Verifier,
		limiter:  d.Limiter,
		turns:    d.Turns,
		gateway:  d.Gateway,
		render:   d.Renderer,
		sms:      d.SMS,
		sessions: d.Sessions,
		events:   d.Events,
		health:   d.Health,
		log:      logging.Component("api"),
	}
}

// RunSweeper periodically discards stale turns and idle rate-limit,
// conversation and event state until ctx ends.
func (s *Server) RunSweeper(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Turns.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep()
		}
	}
}

func (s *Server) Sweep() {
	staleTurns := s.turns.CleanupStale(s.cfg.Turns.MaxAge)
	idleKeys := s.limiter.Prune()
	idleSessions, oldCalls := 0, 0
	if s.sessions != nil {
		idleSessions = s.sessions.Prune(historyIdle)
	}
	if s.events != nil {
		oldCalls = s.events.Prune(eventsRetention)
		gaugeEventLogs.Set(float64(s.events.Calls()))
	}
	if staleTurns+idleKeys+idleSessions+oldCalls > 0 {
		s.log.Debug().
			Int("turns", staleTurns).
			Int("ratelimit_keys", idleKeys).
			Int("sessions", idleSessions).
			Int("event_logs", oldCalls).
			Msg("sweep")
	}
}

// Drain marks the server unhealthy and waits for pending turns to be answered.
// It returns the number of turns abandoned at the deadline.
func (s *Server) Drain(ctx context.Context) int {
	if s.health != nil {
		s.health.SetDraining()
	}
	pending := s.turns.Active()
	s.log.Info().Int("pending", pending).Dur("timeout", s.cfg.Turns.DrainTimeout).Msg("draining turns")
	abandoned := s.turns.Drain(ctx, s.cfg.Turns.DrainTimeout, s.cfg.Turns.DrainPollInterval)
	if abandoned > 0 {
		s.log.Warn().Int("abandoned", abandoned).Msg("turns still pending at drain deadline")
	} else {
		s.log.Info().Msg("all turns answered")
	}
	return abandoned
}

// notify records an exchange event. It never fails the caller's request.
func (s *Server) notify(callID, typ string, payload map[string]any) {
	if s.events == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Str("type", typ).Msg("event notifier panicked")
		}
	}()
	s.events.Append(callID, typ, payload)
}
