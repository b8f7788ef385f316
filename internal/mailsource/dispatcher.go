package mailsource

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/monitoring"
)

// Ingester 入站流水线
type Ingester interface {
	Ingest(ctx context.Context, mail *domain.InboundMail) (*domain.TicketEmail, error)
}

// DeadLetterSink 保存处理失败的邮件
type DeadLetterSink interface {
	Write(mail *domain.InboundMail) (string, error)
}

// Dispatcher 把邮件源取到的邮件交给入站流水线。
//
// 失败的邮件写入死信目录；只有可重试的错误会返回给邮件源，由邮件源稍后重新投递。
type Dispatcher struct {
	ingester    Ingester
	deadLetters DeadLetterSink
	metrics     *monitoring.Metrics
	log         *zap.Logger
}

// NewDispatcher 创建分发器，deadLetters 可以为 nil
func NewDispatcher(ingester Ingester, deadLetters DeadLetterSink, metrics *monitoring.Metrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		ingester:    ingester,
		deadLetters: deadLetters,
		metrics:     metrics,
		log:         log.With(zap.String("component", "dispatcher")),
	}
}

// Deliver 处理一封已解析的邮件。
//
// 返回值:
//   - error: 非 nil 表示邮件源应保留该邮件稍后重试
func (d *Dispatcher) Deliver(ctx context.Context, source string, mail *domain.InboundMail) error {
	_, err := d.ingester.Ingest(ctx, mail)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSkipped):
		return nil
	}

	d.metrics.RecordError("ingest", source)
	fields := []zap.Field{
		zap.String("source", source),
		zap.String("subject", mail.Subject),
		zap.String("messageId", mail.MessageID),
		zap.Bool("retryable", domain.IsRetryable(err)),
		zap.Error(err),
	}
	if path := d.archive(mail); path != "" {
		fields = append(fields, zap.String("deadLetter", path))
	}
	d.log.Error("Failed to ingest mail", fields...)

	if domain.IsRetryable(err) {
		return err
	}
	return nil
}

// DeliverRaw 解析原始邮件后处理；无法解析的邮件原文写入死信
func (d *Dispatcher) DeliverRaw(ctx context.Context, source string, raw []byte, uid string, flags []string, received time.Time) error {
	mail, err := ParseMessage(raw)
	if err != nil {
		d.metrics.RecordError("parse", source)
		unparsed := &domain.InboundMail{Subject: "unparseable", Text: string(raw), UID: uid}
		d.log.Error("Failed to parse mail",
			zap.String("source", source),
			zap.String("uid", uid),
			zap.String("deadLetter", d.archive(unparsed)),
			zap.Error(err),
		)
		return nil
	}
	stamp(mail, uid, flags, received)
	return d.Deliver(ctx, source, mail)
}

func (d *Dispatcher) archive(mail *domain.InboundMail) string {
	if d.deadLetters == nil || mail == nil {
		return ""
	}
	path, err := d.deadLetters.Write(mail)
	if err != nil {
		d.log.Error("Failed to write dead letter", zap.String("subject", mail.Subject), zap.Error(err))
		return ""
	}
	d.metrics.RecordDeadLetter()
	return path
}
