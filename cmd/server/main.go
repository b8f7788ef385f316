package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"helpdesk/backend/internal/auth"
	"helpdesk/backend/internal/bootstrap"
	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/health"
	"helpdesk/backend/internal/logger"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/mailsource"
	"helpdesk/backend/internal/monitoring"
	"helpdesk/backend/internal/pool"
	"helpdesk/backend/internal/security"
	"helpdesk/backend/internal/service"
	"helpdesk/backend/internal/storage/filesystem"
	httptransport "helpdesk/backend/internal/transport/http"
	"helpdesk/backend/internal/websocket"
)

// main 启动 HTTP API、入站邮件源（IMAP 轮询 / SMTP 接收）和通知协程池。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Options{Service: "helpdesk", Log: cfg.Log})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("Server exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("Starting helpdesk server",
		zap.String("env", cfg.Helpdesk.EnvID),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("imap", cfg.IMAP.Enabled),
		zap.Bool("smtp", cfg.SMTP.Enabled),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ========== 存储 ==========
	stores, err := bootstrap.OpenStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()
	store := stores.Store

	if _, err := service.EnsureEnvironment(ctx, store, cfg.Helpdesk, log); err != nil {
		return err
	}

	drive, err := filesystem.NewStore(cfg.Storage.DrivePath)
	if err != nil {
		return fmt.Errorf("failed to initialize attachment drive: %w", err)
	}
	deadLetters, err := filesystem.NewDeadLetterWriter(cfg.Helpdesk.DeadLetterDir)
	if err != nil {
		return fmt.Errorf("failed to initialize dead letter directory: %w", err)
	}

	// ========== 监控 ==========
	metrics := monitoring.NewMetrics()
	checker := health.NewHealthChecker(log)
	checker.AddStore(store, cfg.Helpdesk.EnvID)
	checker.AddDirectory("attachment-drive", drive.BasePath())
	checker.AddDirectory("dead-letters", deadLetters.Dir())
	for name, pinger := range stores.Pingers {
		checker.AddPinger(name, pinger)
	}

	// ========== 通知 ==========
	gateway, err := mailer.New(cfg.Mailer, cfg.Helpdesk.EmailUserName, cfg.Helpdesk.WatcherEmail, log.With(zap.String("component", "mailer")))
	if err != nil {
		return fmt.Errorf("failed to initialize mailer: %w", err)
	}

	// 协程池使用独立的上下文：收到信号后先排空队列再取消
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	workers := pool.NewWorkerPool(cfg.Helpdesk.NotifyWorkers, cfg.Helpdesk.NotifyQueueSize, log.With(zap.String("component", "notify_pool")))
	workers.Start(poolCtx)
	notifier := service.NewNotifier(gateway, workers, cfg.Helpdesk, metrics, log)

	// ========== 业务服务 ==========
	hub := websocket.NewHub(cfg.Helpdesk.EnvID, cfg.CORS.AllowedOrigins, metrics, log)
	locks := service.NewKeyLock()
	attachments := service.NewAttachmentService(store, drive, cfg.Helpdesk, metrics, log.With(zap.String("component", "attachments")))

	ingestion := service.NewIngestionService(cfg.Helpdesk, service.IngestionDeps{
		Tickets:     store,
		Emails:      store,
		Attachments: attachments,
		Notifier:    notifier,
		Sanitizer:   service.NewHTMLSanitizer(),
		Events:      hub,
		Metrics:     metrics,
		Locks:       locks,
	}, log)
	composer := service.NewComposerService(cfg.Helpdesk, service.ComposerDeps{
		Tickets:     store,
		Emails:      store,
		Attachments: attachments,
		Notifier:    notifier,
		Events:      hub,
		Metrics:     metrics,
		Locks:       locks,
	}, log)
	tickets := service.NewTicketService(cfg.Helpdesk, store, store, hub, log)

	tokens := auth.NewTokenService(cfg.JWT, stores.Revoker)
	authService := auth.NewService(store, tokens, gateway, log)
	if _, err := authService.EnsureAdmin(ctx, cfg.Helpdesk.AdminEmail, cfg.Helpdesk.AdminPassword); err != nil {
		return fmt.Errorf("failed to create initial admin: %w", err)
	}
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", tokens.Expiry()),
	)

	dispatcher := mailsource.NewDispatcher(ingestion, deadLetters, metrics, log)

	// ========== HTTP ==========
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:            cfg,
		AuthService:       authService,
		TicketService:     tickets,
		ComposerService:   composer,
		AttachmentService: attachments,
		UploadPolicy:      security.NewUploadPolicy(0),
		WebSocketHub:      hub,
		Health:            checker,
		Metrics:           metrics,
		Logger:            log,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("Starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	// SMTP 接收 goroutine
	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		backend := mailsource.NewSMTPBackend(groupCtx, cfg.SMTP, cfg.Helpdesk.WatcherEmail, dispatcher, metrics, log)
		smtpServer = backend.NewServer()
		group.Go(func() error {
			log.Info("Starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				return fmt.Errorf("smtp server: %w", err)
			}
			return nil
		})
	}

	// IMAP 轮询
	var scheduler *mailsource.Scheduler
	if cfg.IMAP.Enabled {
		watcher := mailsource.NewIMAPWatcher(cfg.IMAP, dispatcher, metrics, log)
		scheduler, err = mailsource.NewScheduler(cfg.IMAP.Schedule, watcher, 5*time.Minute, log)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 先停止入口，再排空通知队列
		if scheduler != nil {
			if err := scheduler.Stop(shutdownCtx); err != nil {
				log.Warn("IMAP scheduler stop timed out", zap.Error(err))
			}
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		workers.Stop()
		cancelPool()
		log.Info("Servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
