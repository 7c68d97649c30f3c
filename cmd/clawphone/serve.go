package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ranacseruet/clawphone/internal/agent"
	"github.com/ranacseruet/clawphone/internal/api"
	"github.com/ranacseruet/clawphone/internal/auth"
	"github.com/ranacseruet/clawphone/internal/clock"
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

func runServe(ctx context.Context, cfg config.Config) error {
	log := logging.Component("serve")
	clk := clock.Real{}

	history := sessions.NewStore(cfg.Agent.HistoryTurns*2, clk)
	var backend agent.Backend
	switch cfg.BackendKind() {
	case "api":
		backend = agent.NewAPIBackend(agent.APIConfig{
			APIKey:       cfg.Agent.APIKey,
			BaseURL:      cfg.Agent.BaseURL,
			Model:        cfg.Agent.Model,
			SystemPrompt: cfg.Agent.SystemPrompt,
		}, history)
	case "command":
		backend = agent.NewCommandBackend(cfg.Agent.Command, nil)
	default:
		log.Warn().Msg("no agent backend configured; every exchange will get the apology reply")
	}

	gateway := agent.NewGateway(backend, agent.Options{
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		CallTimeout:   cfg.Agent.CallTimeout,
	})
	registry := turns.NewRegistry(clk)
	verifier := auth.NewVerifier(cfg.Twilio.AuthToken, cfg.Server.PublicBaseURL)
	if !verifier.Enabled() {
		log.Warn().Msg("webhook signature checks disabled; set TWILIO_AUTH_TOKEN and PUBLIC_BASE_URL")
	}
	outbound := sms.NewClient(sms.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		From:       cfg.Twilio.FromNumber,
		BaseURL:    cfg.Twilio.APIBaseURL,
	})
	if !outbound.Configured() {
		log.Warn().Msg("outbound sms not configured; slow sms replies will be dropped")
	}
	reporter := health.NewReporter(version, health.Sources{
		ActiveTurns: registry.Active,
		InFlight:    gateway.InFlight,
		SlotsInUse:  gateway.InUse,
		Backend:     gateway.BackendName(),
		Configured:  gateway.Configured(),
	}, clk)

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Verifier: verifier,
		Limiter:  ratelimit.New(ratelimit.Config{Max: cfg.RateLimit.Max, Window: cfg.RateLimit.Window}, clk),
		Turns:    registry,
		Gateway:  gateway,
		Renderer: twiml.NewRenderer(twiml.Options{
			Voice:     cfg.Voice.Voice,
			Language:  cfg.Voice.Language,
			PollPause: cfg.Voice.PollPause,
		}),
		SMS:      outbound,
		Sessions: history,
		Events:   events.NewStore(events.DefaultMaxPerCall, clk),
		Health:   reporter,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("backend", gateway.BackendName()).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		return server.RunSweeper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received; draining")

		// Drain runs on a fresh context: the signal already cancelled gctx.
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Turns.DrainTimeout+5*time.Second)
		defer cancel()
		server.Drain(drainCtx)

		if err := srv.Shutdown(drainCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		if err := gateway.Wait(drainCtx); err != nil {
			log.Warn().Int("in_flight", gateway.InFlight()).Msg("agent calls still running at exit")
		}
		return nil
	})

	err := g.Wait()
	log.Info().Msg("stopped")
	return err
}
