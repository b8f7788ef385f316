package main

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
)

// ingester 重新处理一封入站邮件
type ingester interface {
	Ingest(ctx context.Context, mail *domain.InboundMail) (*domain.TicketEmail, error)
}

// deadLetters 死信目录
type deadLetters interface {
	List() ([]string, error)
	Read(path string) (*domain.InboundMail, error)
	Remove(path string) error
}

// summary 一次重放的结果统计
type summary struct {
	Total    int
	Replayed int
	Skipped  int
	Failed   int
	Corrupt  int
}

// replayer 把死信目录中的邮件重新送入入站流水线。
//
// 处理成功或被判定为不需要处理的邮件从目录删除，失败的保留等待下一次重放。
type replayer struct {
	ingester ingester
	letters  deadLetters
	dryRun   bool
	log      *zap.Logger
}

func (r *replayer) Run(ctx context.Context) (summary, error) {
	var sum summary

	files, err := r.letters.List()
	if err != nil {
		return sum, err
	}
	sum.Total = len(files)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		name := filepath.Base(path)

		mail, err := r.letters.Read(path)
		if err != nil {
			r.log.Warn("Unreadable dead letter", zap.String("file", name), zap.Error(err))
			sum.Corrupt++
			continue
		}
		if r.dryRun {
			r.log.Info("Would replay", zap.String("file", name), zap.String("subject", mail.Subject))
			continue
		}

		record, err := r.ingester.Ingest(ctx, mail)
		switch {
		case errors.Is(err, domain.ErrSkipped):
			sum.Skipped++
			r.log.Info("Dead letter no longer needs processing", zap.String("file", name))
		case err != nil:
			sum.Failed++
			r.log.Warn("Replay failed", zap.String("file", name), zap.Error(err))
			continue
		default:
			sum.Replayed++
			r.log.Info("Replayed",
				zap.String("file", name),
				zap.String("ticket_ref", record.TicketRef),
				zap.Int("thread", record.Thread),
			)
		}

		if err := r.letters.Remove(path); err != nil {
			r.log.Warn("Failed to remove dead letter", zap.String("file", name), zap.Error(err))
		}
	}
	return sum, nil
}
