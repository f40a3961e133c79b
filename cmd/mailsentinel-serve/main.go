package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joshsymonds/mailsentinel/internal/classify"
	"github.com/joshsymonds/mailsentinel/internal/config"
	"github.com/joshsymonds/mailsentinel/internal/confirm"
	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/histsync"
	"github.com/joshsymonds/mailsentinel/internal/httpapi"
	"github.com/joshsymonds/mailsentinel/internal/ingest"
	"github.com/joshsymonds/mailsentinel/internal/pipeline"
	"github.com/joshsymonds/mailsentinel/internal/poll"
	"github.com/joshsymonds/mailsentinel/internal/pubsubpull"
	"github.com/joshsymonds/mailsentinel/internal/rate"
	"github.com/joshsymonds/mailsentinel/internal/runtime"
	"github.com/joshsymonds/mailsentinel/internal/store"
	"github.com/joshsymonds/mailsentinel/internal/watch"
)

type serveConfig struct {
	configPath string
	rps        int
}

func main() {
	cfg := parseServeFlags()
	if err := run(cfg); err != nil {
		runtime.DefaultLogger("info").Error("mailsentinel-serve failed", "error", err)
		os.Exit(1)
	}
}

func parseServeFlags() serveConfig {
	configPath := flag.String("config", "mailsentinel.yaml", "path to configuration file")
	rps := flag.Int("rps", 4, "max provider requests per second")
	flag.Parse()
	return serveConfig{configPath: *configPath, rps: *rps}
}

func run(sc serveConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(sc.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := runtime.DefaultLogger(cfg.Logging.Level)

	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn("no database configured; state will not survive a restart")
		st = store.NewMemory()
	}

	bucket := rate.NewTokenBucket(sc.rps)
	defer bucket.Stop()

	provider := runtime.NewProvider(st, runtime.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
	}, cfg.PubSub.Topic, bucket)

	classifier, err := classify.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	defer classifier.Close()

	texter := confirm.NewTextbelt(cfg.Textbelt.Key, cfg.SMSReplyURL())
	gate := confirm.NewGate(st, texter, provider, logger)
	pipe := pipeline.New(st, classifier, gate, logger)
	engine := histsync.NewEngine(bucket, logger)
	coordinator := ingest.NewCoordinator(st, provider, engine, pipe, logger)

	labels := make([]gmail.LabelID, 0, len(cfg.Watch.LabelIDs))
	for _, id := range cfg.Watch.LabelIDs {
		labels = append(labels, gmail.LabelID(id))
	}
	manager := watch.NewManager(st, provider, labels, logger)
	go manager.Run(ctx)

	poller := poll.NewPoller(st, provider, coordinator, cfg.Poll.Interval.Std(), logger)
	if cfg.Poll.Concurrency > 0 {
		poller.Concurrency = cfg.Poll.Concurrency
	}
	go poller.Run(ctx)

	if cfg.PubSub.Subscription != "" {
		listener, err := pubsubpull.NewListener(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Subscription,
			cfg.PubSub.MaxOutstanding, coordinator, logger)
		if err != nil {
			return fmt.Errorf("create pull listener: %w", err)
		}
		defer listener.Close()
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Error("pull listener stopped", "error", err)
				cancel()
			}
		}()
	}

	server := httpapi.NewServer(st, coordinator, gate, logger)
	logger.Info("mailsentinel serving", "addr", cfg.Server.Addr)
	if err := server.Run(ctx, cfg.Server.Addr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := coordinator.Close(drainCtx); err != nil {
		return fmt.Errorf("drain ingests: %w", err)
	}
	return nil
}
