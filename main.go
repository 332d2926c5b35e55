package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/rjsadow/waitline/internal/analytics"
	"github.com/rjsadow/waitline/internal/archive"
	"github.com/rjsadow/waitline/internal/auth"
	"github.com/rjsadow/waitline/internal/auth/oauth"
	"github.com/rjsadow/waitline/internal/config"
	"github.com/rjsadow/waitline/internal/coordinator"
	"github.com/rjsadow/waitline/internal/notify"
	"github.com/rjsadow/waitline/internal/router"
	"github.com/rjsadow/waitline/internal/server"
	"github.com/rjsadow/waitline/internal/store"
	"github.com/rjsadow/waitline/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.MustLoad()

	db, err := store.OpenDB(cfg.DBType, cfg.DBDSN)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		slog.Error("database not reachable", "error", err)
		os.Exit(1)
	}

	analyticsSink := analytics.NewSink(db)
	analyticsSink.Start()
	defer analyticsSink.Stop()

	var dispatcher *notify.Dispatcher
	var vapidKeys *notify.VAPIDKeys
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		vapidKeys, err = notify.ParseVAPIDKeys(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)
		if err != nil {
			slog.Error("failed to parse VAPID keys", "error", err)
			os.Exit(1)
		}
		dispatcher = notify.NewDispatcher(db, vapidKeys, cfg.VAPIDSubject, notify.NewHTTPSender())
		dispatcher.Start()
		defer dispatcher.Stop()
	} else {
		slog.Warn("VAPID keys not configured - web push disabled")
	}

	sink := coordinator.MultiSink{analyticsSink}
	if dispatcher != nil {
		sink = append(coordinator.MultiSink{dispatcher}, analyticsSink)
	}
	registry := coordinator.NewRegistry(db, cfg, sink)

	sessions := auth.NewSessions(db)

	var providers []oauth.Provider
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		providers = append(providers, oauth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret))
	}
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		google, err := oauth.NewGoogleProvider(context.Background(), cfg.GoogleClientID, cfg.GoogleClientSecret)
		if err != nil {
			slog.Error("failed to initialize Google OAuth provider", "error", err)
			os.Exit(1)
		}
		providers = append(providers, google)
	}
	if len(providers) == 0 {
		slog.Warn("no OAuth providers configured - sign-in disabled")
	}
	oauthFlow := oauth.NewFlow(db, providers...)

	var archiver *archive.Archiver
	if cfg.S3ArchiveBucket != "" {
		archiver, err = archive.NewArchiver(context.Background(), db, cfg.S3ArchiveBucket, cfg.S3ArchiveRegion, cfg.S3ArchiveEndpoint, "")
		if err != nil {
			slog.Error("failed to initialize archive uploader", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("S3_ARCHIVE_BUCKET not set - closed queues will not be archived")
	}

	rateLimit := router.NewRateLimiter(rate.Limit(5), 20)
	captcha := router.NewCaptchaVerifier(cfg.TurnstileSecretKey)
	hub := stream.NewHub(registry)
	directory := router.NewShortCodeDirectory()

	app := &server.App{
		Config:     cfg,
		DB:         db,
		Registry:   registry,
		Sessions:   sessions,
		OAuthFlow:  oauthFlow,
		Dispatcher: dispatcher,
		Analytics:  analyticsSink,
		Archiver:   archiver,
		RateLimit:  rateLimit,
		Captcha:    captcha,
		Stream:     hub,
		VAPIDKeys:  vapidKeys,
		Directory:  directory,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Handler(),
	}

	reapStop := make(chan struct{})
	go runReaper(db, registry, reapStop)

	go func() {
		slog.Info("waitline server starting", "addr", "http://localhost"+addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	close(reapStop)

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

// reapInterval bounds how long an abandoned OAuth state or a closed
// queue's actor goroutine lingers, mirrored on the teacher's session
// manager cleanup ticker (internal/sessions/manager.go's cleanupLoop).
const reapInterval = 5 * time.Minute

// runReaper periodically clears expired OAuth states from the durable
// store and evicts closed queues' in-memory coordinators, until stopCh
// closes.
func runReaper(db *store.DB, registry *coordinator.Registry, stopCh <-chan struct{}) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.CleanupExpiredOAuthStates(); err != nil {
				slog.Error("reaper: failed to clean up expired OAuth states", "error", err)
			}
			if evicted := registry.EvictClosed(); len(evicted) > 0 {
				slog.Info("reaper: evicted closed queue coordinators", "count", len(evicted))
			}
		case <-stopCh:
			return
		}
	}
}

