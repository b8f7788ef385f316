package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"helpdesk/backend/internal/bootstrap"
	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/logger"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/pool"
	"helpdesk/backend/internal/service"
	"helpdesk/backend/internal/storage/filesystem"
)

// main 重放死信目录中处理失败的入站邮件
func main() {
	dir := flag.String("dir", "", "死信目录，默认使用 helpdesk.dead_letter_dir")
	dryRun := flag.Bool("dry-run", false, "只列出待重放的邮件")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.Helpdesk.DeadLetterDir = *dir
	}

	log, err := logger.New(logger.Options{Service: "replay", Log: cfg.Log})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	sum, err := run(cfg, *dryRun, log)
	if err != nil {
		log.Error("Replay aborted", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("✓ Replay finished: %d total, %d replayed, %d skipped, %d failed, %d unreadable\n",
		sum.Total, sum.Replayed, sum.Skipped, sum.Failed, sum.Corrupt)
	if sum.Failed > 0 || sum.Corrupt > 0 {
		os.Exit(2)
	}
}

func run(cfg *config.Config, dryRun bool, log *zap.Logger) (summary, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	letters, err := filesystem.NewDeadLetterWriter(cfg.Helpdesk.DeadLetterDir)
	if err != nil {
		return summary{}, err
	}

	stores, err := bootstrap.OpenStores(ctx, cfg, log)
	if err != nil {
		return summary{}, err
	}
	defer stores.Close()
	store := stores.Store

	if _, err := service.EnsureEnvironment(ctx, store, cfg.Helpdesk, log); err != nil {
		return summary{}, err
	}

	drive, err := filesystem.NewStore(cfg.Storage.DrivePath)
	if err != nil {
		return summary{}, fmt.Errorf("failed to initialize attachment drive: %w", err)
	}
	gateway, err := mailer.New(cfg.Mailer, cfg.Helpdesk.EmailUserName, cfg.Helpdesk.WatcherEmail, log.With(zap.String("component", "mailer")))
	if err != nil {
		return summary{}, fmt.Errorf("failed to initialize mailer: %w", err)
	}

	// 通知在退出前排空
	workers := pool.NewWorkerPool(1, cfg.Helpdesk.NotifyQueueSize, log.With(zap.String("component", "notify_pool")))
	workers.Start(context.Background())
	defer workers.Stop()

	notifier := service.NewNotifier(gateway, workers, cfg.Helpdesk, nil, log)
	attachments := service.NewAttachmentService(store, drive, cfg.Helpdesk, nil, log.With(zap.String("component", "attachments")))
	ingestion := service.NewIngestionService(cfg.Helpdesk, service.IngestionDeps{
		Tickets:     store,
		Emails:      store,
		Attachments: attachments,
		Notifier:    notifier,
		Sanitizer:   service.NewHTMLSanitizer(),
		Locks:       service.NewKeyLock(),
	}, log)

	r := &replayer{
		ingester: ingestion,
		letters:  letters,
		dryRun:   dryRun,
		log:      log.With(zap.String("component", "replay")),
	}
	log.Info("Replaying dead letters", zap.String("dir", letters.Dir()), zap.Bool("dry_run", dryRun))
	return r.Run(ctx)
}
