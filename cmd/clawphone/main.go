package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ranacseruet/clawphone/internal/config"
	"github.com/ranacseruet/clawphone/internal/health"
	"github.com/ranacseruet/clawphone/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	loadConfig := func() (config.Config, error) {
		path := configPath
		if path == "" {
			path = os.Getenv("CLAWPHONE_CONFIG")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		logging.Init(cfg.Server.LogLevel, cfg.Server.LogFormat)
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Answer telephony webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	var healthURL string
	var healthTimeout time.Duration
	check := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := healthURL
			if url == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				url = "http://localhost:" + cfg.Server.Port + "/health"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
			defer cancel()

			res := health.Check(ctx, url)
			fmt.Fprintln(cmd.OutOrStdout(), res.String())
			if !res.OK {
				return errors.Errorf("%s is unhealthy", url)
			}
			return nil
		},
	}
	check.Flags().StringVar(&healthURL, "url", "", "health endpoint (default: localhost on the configured port)")
	check.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "request timeout")

	root := &cobra.Command{
		Use:           "clawphone",
		Short:         "Phone and SMS bridge to an agent backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json); also CLAWPHONE_CONFIG")
	root.AddCommand(serve, check)
	return root
}
