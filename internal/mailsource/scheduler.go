package mailsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Poller 按计划执行一次拉取
type Poller interface {
	Poll(ctx context.Context) error
}

// Scheduler 按 cron 表达式周期性调用 Poller。
//
// 上一次拉取尚未结束时跳过本次触发；拉取中的 panic 会被恢复并记录。
type Scheduler struct {
	cron    *cron.Cron
	poller  Poller
	timeout time.Duration
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler 创建调度器
//
// 参数:
//   - schedule: 标准 5 段 cron 表达式或 "@every 30s" 之类的描述符
//   - timeout: 单次拉取的超时，0 表示不限制
func NewScheduler(schedule string, poller Poller, timeout time.Duration, log *zap.Logger) (*Scheduler, error) {
	if poller == nil {
		return nil, errors.New("scheduler requires a poller")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "scheduler"))

	logger := cronLogger{log: log}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		poller:  poller,
		timeout: timeout,
		log:     log,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Mail source scheduler started", zap.Int("entries", len(s.cron.Entries())))
}

// Stop 停止调度，并等待正在执行的拉取结束（最多等待 ctx 超时）
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	select {
	case <-s.cron.Stop().Done():
		s.log.Info("Mail source scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce 立即执行一次拉取
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.poller.Poll(ctx)
}

func (s *Scheduler) run() {
	if s.ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := s.RunOnce(s.ctx); err != nil {
		s.log.Error("Mail source poll failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	s.log.Debug("Mail source poll finished", zap.Duration("duration", time.Since(start)))
}

// cronLogger 把 cron 的日志接到 zap
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
