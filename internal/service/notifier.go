package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/monitoring"
	"helpdesk/backend/internal/pool"
)

// MailGateway 外发邮件网关
type MailGateway interface {
	Send(ctx context.Context, mail *mailer.OutboundMail) error
}

// Notifier 外发通知：失败只记录日志和指标，不影响调用方。
type Notifier struct {
	gateway    MailGateway
	workers    *pool.WorkerPool
	recipients []string
	timeout    time.Duration
	metrics    *monitoring.Metrics
	log        *zap.Logger
}

// NewNotifier 创建通知器
//
// 参数:
//   - gateway: 邮件网关
//   - workers: 执行异步通知的协程池；为 nil 时在调用方协程中同步执行
//   - cfg: 提供支持团队收件人和超时
func NewNotifier(gateway MailGateway, workers *pool.WorkerPool, cfg config.HelpdeskConfig, metrics *monitoring.Metrics, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.IOTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		gateway:    gateway,
		workers:    workers,
		recipients: cfg.Recipients(),
		timeout:    timeout,
		metrics:    metrics,
		log:        log,
	}
}

// SupportSubject 新工单通知的主题
func SupportSubject(ticketNumber int64) string {
	return fmt.Sprintf("[## %d ##] Ticket has been assigned to your team", ticketNumber)
}

// NotifyNewTicket 异步把入站邮件转发给支持团队
func (n *Notifier) NotifyNewTicket(ticketNumber int64, html string, attachments []mailer.Attachment) {
	if len(n.recipients) == 0 {
		n.log.Warn("No support recipients configured, notification skipped",
			zap.Int64("ticketNumber", ticketNumber))
		return
	}
	mail := &mailer.OutboundMail{
		To:          n.recipients,
		Subject:     SupportSubject(ticketNumber),
		Template:    mailer.TemplateSupportTicket,
		Body:        html,
		Attachments: attachments,
	}
	n.Dispatch(mail)
}

// Dispatch 在协程池中发送邮件
func (n *Notifier) Dispatch(mail *mailer.OutboundMail) {
	if n.workers == nil {
		n.Send(context.Background(), mail)
		return
	}
	ok := n.workers.TrySubmit(func(ctx context.Context) {
		n.Send(ctx, mail)
	})
	if !ok {
		n.metrics.RecordNotifyRejected()
		n.log.Warn("Notification queue unavailable, message dropped",
			zap.String("subject", mail.Subject),
			zap.String("template", mail.Template),
		)
	}
}

// Send 同步发送邮件，返回是否成功
func (n *Notifier) Send(ctx context.Context, mail *mailer.OutboundMail) bool {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	err := n.gateway.Send(ctx, mail)
	n.metrics.RecordNotification(mail.Template, err)
	if err != nil {
		n.log.Error("Failed to send notification",
			zap.Strings("to", mail.To),
			zap.String("subject", mail.Subject),
			zap.String("template", mail.Template),
			zap.Error(err),
		)
		return false
	}
	return true
}
