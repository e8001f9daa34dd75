package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inboxsync/internal/api"
	"inboxsync/internal/config"
	"inboxsync/internal/constants"
	"inboxsync/internal/models"
	"inboxsync/internal/privacy"
	"inboxsync/internal/realtime"
	"inboxsync/internal/service"
	"inboxsync/internal/session"
	"inboxsync/internal/store"
	"inboxsync/internal/tracing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable debug logging (includes identifiers)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("inboxsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting inboxsync")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.WithError(err).Warn("Failed to initialize tracing")
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to shutdown tracing")
		}
	}()

	sessions, err := session.Open(ctx, cfg.State.Path, cfg.State.EncryptionSecret, logger)
	if err != nil {
		return fmt.Errorf("failed to open local state: %w", err)
	}
	defer sessions.Close()

	if cfg.Auth.SessionToken != "" {
		if err := sessions.SetSessionToken(ctx, cfg.Auth.SessionToken); err != nil {
			return fmt.Errorf("failed to store session token: %w", err)
		}
		logger.WithField("session_token", privacy.MaskToken(cfg.Auth.SessionToken)).Info("Session token loaded from configuration")
	}

	httpTimeout := time.Duration(cfg.Backend.HTTPTimeoutSec) * time.Second

	var creds realtime.CredentialSource = session.SessionCredentials{Tokens: sessions}
	var exchange *session.ExchangeCredentials
	if cfg.Auth.TokenURL != "" {
		exchange = session.NewExchangeCredentials(cfg.Auth.TokenURL, sessions, httpTimeout,
			time.Duration(cfg.Auth.RefreshSkewSec)*time.Second, logger)
		creds = exchange
	}

	client := api.NewClient(api.Options{
		BaseURL: cfg.Backend.APIBaseURL,
		Timeout: httpTimeout,
	}, sessions, logger)

	registry := realtime.NewRegistry(logger)
	channel := realtime.NewChannel(realtime.OptionsFromConfig(cfg.Backend.RealtimeURL, cfg.Realtime), creds, sessions, registry, logger)

	conversations := store.NewConversationStore(client, store.Options{
		EventBufferSize: cfg.Store.EventBufferSize,
		TypingTTL:       time.Duration(cfg.Store.TypingTTLSec) * time.Second,
	}, logger)
	detach := conversations.Attach(registry)
	defer detach()

	notifier := store.NewRecentNotifier(0, logger)
	inbox := service.NewInbox(client, conversations, notifier, logger)
	reminders := newReminderScopes(client, notifier, logger)

	refresher := service.NewRefresher(time.Duration(cfg.Store.RefreshIntervalSec)*time.Second, logger,
		service.RefreshTask{Name: "conversations", Run: conversations.Load},
		service.RefreshTask{Name: "reminders", Run: reminders.refetchAll},
	)

	watcher := config.NewWatcher(*configPath, cfg, 0, logger)
	watcher.OnChange(func(next *models.Config) {
		applyLogLevel(logger, next.LogLevel, *verbose)
	})

	g, gctx := errgroup.WithContext(ctx)

	signedIn := func() {
		if exchange != nil {
			exchange.Invalidate()
		}
		channel.Reconnect()
		go func() {
			if err := conversations.Load(gctx); err != nil {
				logger.WithError(err).Warn("Conversation load after sign-in failed")
			}
		}()
	}

	server := NewServer(serverDeps{
		port:          cfg.Server.Port,
		conversations: conversations,
		inbox:         inbox,
		reminders:     reminders,
		notifier:      notifier,
		channel:       channel,
		sessions:      sessions,
		signedIn:      signedIn,
	}, logger)

	channel.Start(gctx)

	g.Go(func() error {
		if err := conversations.Load(gctx); err != nil {
			logger.WithError(err).Warn("Initial conversation load failed, will retry on the next refresh")
		}
		return nil
	})
	g.Go(func() error {
		refresher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := watcher.Start(gctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
		return nil
	})
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to shutdown server gracefully")
		}
		if err := channel.Close(); err != nil {
			logger.WithError(err).Warn("Realtime channel closed with error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown completed")
	return nil
}

// applyLogLevel caps the configured level at info; debug output carries
// identifiers and needs the explicit --verbose flag.
func applyLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}

	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		level = logrus.InfoLevel
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
