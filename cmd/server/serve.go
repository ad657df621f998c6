package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/conductor/internal/api"
	"github.com/ashureev/conductor/internal/authz"
	"github.com/ashureev/conductor/internal/capabilities"
	"github.com/ashureev/conductor/internal/config"
	"github.com/ashureev/conductor/internal/decision"
	"github.com/ashureev/conductor/internal/orchestrator"
	"github.com/ashureev/conductor/internal/registry"
	"github.com/ashureev/conductor/internal/scheduler"
	"github.com/ashureev/conductor/internal/store"
	"github.com/ashureev/conductor/internal/transcript"
	"github.com/ashureev/conductor/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and WebSocket API",
	RunE:  runServe,
}

// Provider OAuth scopes requested at login.
var providerScopes = map[string][]string{
	authz.ProviderGitHub: {"repo", "admin:repo_hook"},
	authz.ProviderGoogle: {"https://www.googleapis.com/auth/tasks", "https://www.googleapis.com/auth/calendar.events"},
}

func newAuthorizer(cfg *config.Config) *authz.Authorizer {
	providers := map[string]authz.ProviderConfig{
		authz.ProviderGitHub: {ClientID: cfg.GitHub.ClientID, RedirectURI: cfg.GitHub.RedirectURI, Scopes: providerScopes[authz.ProviderGitHub]},
		authz.ProviderGoogle: {
			ClientID:    cfg.Google.ClientID,
			RedirectURI: cfg.Google.RedirectURI,
			Scopes:      providerScopes[authz.ProviderGoogle],
			ExtraParams: map[string]string{"access_type": "offline", "prompt": "consent"},
		},
		authz.ProviderNotion: {ClientID: cfg.Notion.ClientID, RedirectURI: cfg.Notion.RedirectURI, ExtraParams: map[string]string{"owner": "user"}},
	}
	return authz.NewAuthorizer(providers)
}

//nolint:funlen // Wiring follows the dependency order of the service.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		slog.Error("Startup failed", "error", err)
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	if n, err := a.syncCapabilities(ctx); err != nil {
		// Search degrades to an empty capability set until the next sync.
		logger.Error("Capability sync failed", "error", err)
	} else {
		logger.Info("Capabilities synced", "count", n)
	}

	tl, err := transcript.NewLogger(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcript logger: %w", err)
	}
	defer func() { _ = tl.Close() }()

	hub := transport.NewHub(100, tl, logger)

	// The scheduler and the orchestrator reference each other: re-invoke jobs
	// enter the orchestrator, and the scheduling capability arms jobs.
	var orch *orchestrator.Orchestrator
	sched := scheduler.New(a.repo, hub.Deliver,
		func(ctx context.Context, ownerID, command string, payload map[string]any) error {
			return orch.Reinvoke(ctx, ownerID, command, payload)
		},
		scheduler.Config{BaseDelay: cfg.Scheduler.BaseDelay, MaxRetries: cfg.Scheduler.MaxRetries},
		logger)
	defer sched.Stop()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	webhookURL := ""
	if cfg.PublicURL != "" {
		webhookURL = cfg.PublicURL + "/api/webhooks/github"
	}
	memory := capabilities.NewMemoryService(a.repo, a.embedder)
	toolbox := &capabilities.Toolbox{
		Scheduler: sched,
		Memory:    memory,
		Tokens:    a.repo,
		GitHub:    capabilities.NewGitHubClient("", webhookURL, cfg.GitHubWebhookSecret, httpClient),
		Google:    capabilities.NewGoogleClient("", "", httpClient),
		Notion:    capabilities.NewNotionClient("", httpClient),
		Logger:    logger,
	}

	decider, err := decision.NewAnthropic(decision.Config{
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		BaseURL:    cfg.LLM.BaseURL,
		MaxTokens:  int64(cfg.LLM.MaxTokens),
		MaxRetries: 2,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize decision model: %w", err)
	}

	authorizer := newAuthorizer(cfg)
	orch, err = orchestrator.New(orchestrator.Deps{
		Decider:     decider,
		Catalog:     a.registry,
		Toolbox:     toolbox,
		Checkpoints: a.checkpoints,
		AuthURLs:    authorizer,
		Memory:      memory,
		Users:       a.repo,
		Sink:        hub,
		Logger:      logger,
	}, orchestrator.Config{
		DiscoveryLimit:  cfg.DiscoveryLimit,
		MemoryLimit:     orchestrator.DefaultConfig().MemoryLimit,
		MaxTokens:       cfg.Checkpoint.MaxTokens,
		DefaultTimezone: cfg.DefaultTimezone,
	})
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	restored, err := sched.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore scheduled jobs: %w", err)
	}
	logger.Info("Scheduled jobs restored", "count", restored)

	store.StartRetentionWorker(ctx, a.checkpoints, cfg.Checkpoint.TTL(), cfg.Checkpoint.RetentionInterval, nil)

	if cfg.CapabilityManifest != "" {
		watcher := registry.NewWatcher(a.registry, cfg.CapabilityManifest, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("Capability manifest watcher failed", "error", err)
			}
		}()
	}

	if cfg.AuthCallbackSecret == "" {
		logger.Warn("Auth callback secret not configured, auth callbacks can only resume the caller's own conversation")
	}

	limiter := transport.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	webhooks := api.NewWebhookHandler(orch, a.repo, cfg.GitHubWebhookSecret)
	router := api.NewRouter(api.RouterConfig{
		Users:        a.repo,
		CORSOrigins:  cfg.CORSOrigins,
		IsDev:        cfg.IsDevelopment(),
		Health:       api.NewHealthHandler(a.repo, a.registry),
		Chat:         api.NewChatHandler(orch, hub, limiter, tl, transport.DefaultStreamConfig()),
		Auth:         api.NewAuthHandler(orch, authorizer, a.repo, cfg.AuthCallbackSecret),
		Jobs:         api.NewJobsHandler(sched),
		Capabilities: api.NewCapabilitiesHandler(a.registry),
		Webhooks:     webhooks,
		WebSocket:    transport.NewChatHandler(orch, hub, limiter, tl, cfg.CORSOrigins, cfg.IsDevelopment(), logger),
	})

	// SSE and WebSocket connections are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return err
		}
	}
	stop()

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}
	webhooks.Wait()

	logger.Info("Server stopped successfully")
	return nil
}
