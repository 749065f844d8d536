package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/basket/todo-chat/internal/audit"
	"github.com/basket/todo-chat/internal/bus"
	"github.com/basket/todo-chat/internal/config"
	"github.com/basket/todo-chat/internal/cron"
	"github.com/basket/todo-chat/internal/engine"
	"github.com/basket/todo-chat/internal/gateway"
	otelPkg "github.com/basket/todo-chat/internal/otel"
	"github.com/basket/todo-chat/internal/persistence"
	"github.com/basket/todo-chat/internal/telemetry"
	"github.com/basket/todo-chat/internal/tools"
)

const shutdownGrace = 10 * time.Second

// ServeCmd runs the HTTP server until SIGINT or SIGTERM.
type ServeCmd struct {
	Bind  string `help:"Listen address, overrides bind_addr."`
	Quiet bool   `help:"Write logs to the log file only."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := cli.loadConfig()
	if err != nil {
		return startupError(nil, "E_CONFIG_LOAD", err)
	}
	if c.Bind != "" {
		cfg.BindAddr = c.Bind
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return startupError(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, telemetry.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Quiet:  c.Quiet,
	})
	if err != nil {
		return startupError(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	if cfg.Auth.JWTSecret == "" {
		return startupError(logger, "E_AUTH_CONFIG", errors.New("auth.jwt_secret or JWT_SECRET_KEY must be set"))
	}
	auth, err := gateway.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return startupError(logger, "E_AUTH_CONFIG", err)
	}
	warnOpenBind(logger, cfg)

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return startupError(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	otelMetrics := otelProvider.Metrics

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return startupError(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	registry, err := tools.NewRegistry(store, logger)
	if err != nil {
		return startupError(logger, "E_TOOLS_INIT", err)
	}
	registry.Tracer = otelProvider.Tracer
	registry.Metrics = otelMetrics

	model := engine.NewGenkitModel(ctx, engine.ModelConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLMAPIKey(cfg.LLM.Provider),
		BaseURL:  cfg.ProviderBaseURL(cfg.LLM.Provider),
	}, logger)
	if !model.Live() {
		logger.Warn("no API key configured; chat replies will be a fixed notice", "provider", cfg.LLM.Provider)
	}
	prompt, err := engine.NewPromptBuilder(cfg.Prompt)
	if err != nil {
		return startupError(logger, "E_PROMPT_INIT", err)
	}
	orch := engine.NewOrchestrator(model, registry, prompt, engine.Config{
		Timeout:         cfg.Orchestration.Timeout(),
		MaxMessageChars: cfg.Orchestration.MaxMessageChars,
		Logger:          logger,
		Tracer:          otelProvider.Tracer,
		Metrics:         otelMetrics,
	})

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())
	srv := gateway.New(gateway.Config{
		Store:           store,
		Orchestrator:    orch,
		Bus:             eventBus,
		Auth:            auth,
		Logger:          logger,
		Tracer:          otelProvider.Tracer,
		HistoryLimit:    cfg.Orchestration.HistoryLimit,
		MaxMessageChars: cfg.Orchestration.MaxMessageChars,
		MaxRequestBytes: cfg.MaxRequestBytes,
		CORS:            cfg.CORS,
		ConfigFingerprint: func() string {
			return fingerprint.Load().(string)
		},
		Version: Version,
	})

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watchReloads(watcher, cfg.HomeDir, prompt, &fingerprint, logger)
	}

	if cfg.Backup.Enabled {
		sched, err := cron.NewScheduler(cron.Config{
			Store:    store,
			Logger:   logger,
			Schedule: cfg.Backup.Schedule,
			Dir:      cfg.Backup.Dir,
			Keep:     cfg.Backup.Keep,
		})
		if err != nil {
			return startupError(logger, "E_BACKUP_INIT", err)
		}
		if err := sched.Start(ctx); err != nil {
			return startupError(logger, "E_BACKUP_INIT", err)
		}
		defer sched.Stop()
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return startupError(logger, "E_LISTEN", err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()
	logger.Info("startup phase", "phase", "listening", "addr", ln.Addr().String(), "provider", cfg.LLM.Provider, "model", model.Name())

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return startupError(logger, "E_SERVE", err)
		}
	}

	// In-flight chat turns get their full orchestration budget to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestration.Timeout()+shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// warnOpenBind flags a non-loopback listener with no CORS allowlist.
func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && len(cfg.CORS.AllowedOrigins) == 0 {
		logger.Warn("cors.allowed_origins is empty on non-loopback bind; browsers on other origins will be rejected", "bind_addr", cfg.BindAddr)
	}
}

// watchReloads applies PROMPT.md edits to the live prompt and refreshes
// the reported config fingerprint. Other config changes need a restart.
func watchReloads(w *config.Watcher, homeDir string, prompt *engine.PromptBuilder, fingerprint *atomic.Value, logger *slog.Logger) {
	fs := afero.NewOsFs()
	for ev := range w.Events() {
		switch ev.Kind {
		case config.ReloadPrompt:
			persona, err := config.LoadPrompt(fs, homeDir)
			if err != nil {
				logger.Warn("prompt reload failed; keeping current persona", "error", err)
				continue
			}
			prompt.SetPersona(persona)
			logger.Info("persona reloaded", "path", ev.Path, "custom", persona != "")
		case config.ReloadConfig:
			next, err := config.LoadFS(fs, homeDir)
			if err != nil {
				logger.Warn("config reload rejected; keeping current config", "error", err)
				continue
			}
			prev := fingerprint.Swap(next.Fingerprint())
			if prev != next.Fingerprint() {
				logger.Info("config changed on disk; restart to apply", "fingerprint", next.Fingerprint())
			}
		}
	}
}
