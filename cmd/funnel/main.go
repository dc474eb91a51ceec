package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aevon-lab/funnel-tracker/internal/attribution"
	"github.com/aevon-lab/funnel-tracker/internal/core/config"
	"github.com/aevon-lab/funnel-tracker/internal/core/logging"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage/memory"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage/postgres"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage/sqlite"
	"github.com/aevon-lab/funnel-tracker/internal/dispatch"
	"github.com/aevon-lab/funnel-tracker/internal/ipresolve"
	"github.com/aevon-lab/funnel-tracker/internal/lifecycle"
	"github.com/aevon-lab/funnel-tracker/internal/migrations"
	"github.com/aevon-lab/funnel-tracker/internal/quiz"
	"github.com/aevon-lab/funnel-tracker/internal/server"
	"github.com/aevon-lab/funnel-tracker/internal/telemetry"
	"github.com/aevon-lab/funnel-tracker/internal/tracking"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// backend is what every storage driver provides.
type backend interface {
	storage.AttributionRepository
	storage.EventJournal
	storage.Sweeper
}

func main() {
	configPath := flag.String("config", "funnel.yaml", "Path to configuration file (empty for defaults and env only)")
	flag.Parse()

	// 0. Load .env for local development; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Logger
	logger := logging.New(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	slog.Info("Loaded config",
		"storage", cfg.Storage.Driver,
		"webhooks", len(cfg.Dispatch.Webhooks),
		"broker", cfg.Dispatch.Broker.URL != "",
		"telemetry", cfg.Telemetry.Enabled)

	// 3. Initialize Tracing
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, logger)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("Tracer shutdown failed", "error", err)
			}
		}()
	}

	// 4. Initialize Storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 5. Initialize Sinks and Dispatcher
	webhookURLs, err := dispatch.WebhookURLs(cfg.Dispatch.Webhooks)
	if err != nil {
		slog.Error("Invalid webhook configuration", "error", err)
		os.Exit(1)
	}
	sinks := []dispatch.Sink{dispatch.NewWebhookSink(webhookURLs, cfg.Dispatch.SendTimeout, nil)}

	if cfg.Dispatch.Broker.URL != "" {
		publisher, err := dispatch.NewAMQPPublisher(cfg.Dispatch.Broker.URL, cfg.Dispatch.Broker.Exchange, cfg.Dispatch.Broker.ConfirmTimeout)
		if err != nil {
			// Tracking is best-effort; run with the webhook sink alone.
			slog.Error("Broker unavailable, continuing without broker sink", "error", err)
		} else {
			defer publisher.Close()
			sinks = append(sinks, dispatch.NewBrokerSink(publisher))
		}
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		QueueSize:    cfg.Dispatch.QueueSize,
		Workers:      cfg.Dispatch.Workers,
		SendTimeout:  cfg.Dispatch.SendTimeout,
		DrainTimeout: cfg.Dispatch.DrainTimeout,
	}, store, sinks...)

	// 6. Initialize Lifecycle Trigger
	catalog, err := quiz.Load(cfg.Quiz.CatalogPath)
	if err != nil {
		slog.Error("Failed to load quiz catalog", "error", err)
		os.Exit(1)
	}

	var echo ipresolve.Echo
	if cfg.IP.EchoEnabled {
		echo = ipresolve.NewEchoClient(cfg.IP.EchoURL, cfg.IP.Timeout, nil)
	}

	trigger := lifecycle.NewTrigger(lifecycle.Config{
		LandingPath:      cfg.Tracking.LandingPath,
		QuizPath:         cfg.Tracking.QuizPath,
		OfferPath:        cfg.Tracking.OfferPath,
		PixelSettleDelay: cfg.Tracking.PixelSettleDelay,
		CheckoutURL:      cfg.Checkout.URL,
		OfferValue:       cfg.Checkout.OfferValue(),
		Currency:         cfg.Checkout.Currency,
	},
		attribution.NewStore(store, cfg.Tracking.Retention, cfg.Tracking.SessionTTL),
		lifecycle.NewOnceGuard(store, cfg.Tracking.SessionTTL),
		catalog,
		dispatcher,
		ipresolve.NewResolver(echo),
	)

	// 7. Initialize Server
	trackingSvc := tracking.NewService(trigger, store, tracking.CookiePolicy{
		Domain: cfg.Tracking.CookieDomain,
		Secure: cfg.Tracking.SecureCookies,
	}, cfg.Server.MaxBodySizeKB)

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), store, cfg.Server.Mode, cfg.Telemetry.Enabled)
	trackingSvc.RegisterRoutes(srv.Engine)

	// 8. Start Services
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	if cfg.Storage.SweepInterval > 0 {
		g.Go(func() error {
			storage.RunSweeper(gctx, store, cfg.Storage.SweepInterval)
			return nil
		})
	}
	g.Go(func() error {
		// HTTP server blocks until ctx is cancelled.
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Service stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func openStorage(cfg config.StorageConfig) (backend, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Connect(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		if err := migrations.Run(db, cfg.AutoMigrate); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		adapter, err := postgres.Open(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return adapter, nil
	case "sqlite":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		slog.Warn("Using in-memory storage; identity and journal are lost on restart")
		return memory.NewRepository(), nil
	}
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
