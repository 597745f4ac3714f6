package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rapidtriage/triage/internal/idp"
	"github.com/rapidtriage/triage/internal/quota"
	"github.com/rapidtriage/triage/internal/server"
	"github.com/rapidtriage/triage/internal/service"
	"github.com/rapidtriage/triage/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the triage decision server",
		Long:  "Start the HTTP server that answers access decisions and manages API keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logLevel := slog.LevelInfo
	if dev || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store initialized", "driver", cfg.Store.Driver)

	if cfg.Auth.SessionSecret == "" {
		logger.Warn("auth.session_secret is empty - session tokens will not verify")
	}

	cacheTTL := parseDurationOr(cfg.Auth.KeyCacheTTL, 0)
	verifier := service.NewAPIKeyVerifier(st, cfg.Auth.KeyCacheSize, cacheTTL, logger)

	var idVerifier service.Verifier
	if cfg.Auth.IdentityProviderURL != "" {
		idVerifier = service.NewIdentityTokenVerifier(idp.NewClient(cfg.Auth.IdentityProviderURL))
		logger.Info("identity provider configured", "url", cfg.Auth.IdentityProviderURL)
	}

	metrics := telemetry.New()
	engine := service.NewEngine(*cfg, st, verifier, idVerifier, metrics, logger)
	keys := service.NewKeyService(st, cfg.Limits, verifier)

	// Background retention of stale quota counters.
	if cfg.Retention.Schedule != "" {
		pruner := quota.NewPruner(st, cfg.Retention.QuotaRetentionDays, cfg.Retention.Schedule, logger)
		if err := pruner.Start(ctx); err != nil {
			return fmt.Errorf("start retention: %w", err)
		}
		logger.Info("retention scheduled", "schedule", cfg.Retention.Schedule,
			"retention_days", cfg.Retention.QuotaRetentionDays)
	}

	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: parseDurationOr(cfg.Server.ShutdownTimeout, server.DefaultConfig().ShutdownTimeout),
		CORSOrigins:     cfg.Server.CORS.Origins,
		PublicRateLimit: cfg.Server.PublicRateLimit,
		MaxBodySize:     server.DefaultConfig().MaxBodySize,
	}

	srv := server.New(srvCfg, engine, keys, st, cfg.Limits, metrics, logger)

	fmt.Printf("→ Triage decision server\n")
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Metrics: http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()

	return srv.ListenAndServe()
}
