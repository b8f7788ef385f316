package mailsource

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/monitoring"
)

// SourceSMTP SMTP 邮件源名称
const SourceSMTP = "smtp"

const maxTrackedClients = 4096

// SMTPBackend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往被监听邮箱（或配置域名）的邮件，不做中继。
// 收到的邮件经 Dispatcher 进入入站流水线；可重试的失败返回 451，
// 由发送方 MTA 稍后重投。
type SMTPBackend struct {
	ctx        context.Context
	cfg        config.SMTPConfig
	watcher    string
	dispatcher *Dispatcher
	metrics    *monitoring.Metrics
	now        func() time.Time
	log        *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSMTPBackend 创建 SMTP Backend
//
// 参数:
//   - ctx: 投递使用的上下文，服务关闭时取消
//   - watcherEmail: 被监听的邮箱地址
func NewSMTPBackend(ctx context.Context, cfg config.SMTPConfig, watcherEmail string, dispatcher *Dispatcher, metrics *monitoring.Metrics, log *zap.Logger) *SMTPBackend {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 25 << 20
	}
	return &SMTPBackend{
		ctx:        ctx,
		cfg:        cfg,
		watcher:    normalizeAddress(watcherEmail),
		dispatcher: dispatcher,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With(zap.String("component", "smtp")),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// NewServer 按配置创建 go-smtp 服务器
func (b *SMTPBackend) NewServer() *gosmtp.Server {
	s := gosmtp.NewServer(b)
	s.Addr = b.cfg.BindAddr
	s.Domain = b.cfg.Domain
	s.ReadTimeout = 30 * time.Second
	s.WriteTimeout = 30 * time.Second
	s.MaxMessageBytes = b.cfg.MaxMessageBytes
	s.MaxRecipients = b.cfg.MaxRecipients
	if s.MaxRecipients <= 0 {
		s.MaxRecipients = 50
	}
	return s
}

// NewSession 创建新的 SMTP 会话
func (b *SMTPBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	ip := ""
	if c != nil && c.Conn() != nil {
		ip = remoteIP(c.Conn().RemoteAddr())
	}
	return b.newSession(ip), nil
}

func (b *SMTPBackend) newSession(ip string) *session {
	return &session{backend: b, remoteIP: ip}
}

// allow 按客户端 IP 限制每分钟投递次数
func (b *SMTPBackend) allow(ip string) bool {
	if b.cfg.RatePerMinute <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	limiter, ok := b.limiters[ip]
	if !ok {
		if len(b.limiters) >= maxTrackedClients {
			b.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.cfg.RatePerMinute)), b.cfg.RatePerMinute)
		b.limiters[ip] = limiter
	}
	return limiter.Allow()
}

// accepts 判断收件人是否由本服务处理
func (b *SMTPBackend) accepts(addr string) bool {
	if b.watcher != "" && addr == b.watcher {
		return true
	}
	at := strings.LastIndex(addr, "@")
	return b.cfg.Domain != "" && at > 0 && strings.EqualFold(addr[at+1:], b.cfg.Domain)
}

type session struct {
	backend    *SMTPBackend
	remoteIP   string
	from       string
	recipients []string
}

// Mail 处理 MAIL 命令
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if !s.backend.allow(s.remoteIP) {
		s.backend.metrics.RecordRateLimitBlock("smtp")
		s.backend.log.Warn("SMTP client rate limited", zap.String("ip", s.remoteIP))
		return &gosmtp.SMTPError{
			Code:         450,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 1},
			Message:      "too many messages, try again later",
		}
	}
	s.from = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，外部地址一律 550
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	if !domain.ValidateEmail(addr) {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	if !s.backend.accepts(addr) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied",
		}
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 读取邮件原文并投递
func (s *session) Data(r io.Reader) error {
	limit := s.backend.cfg.MaxMessageBytes
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > limit {
		return gosmtp.ErrDataTooLarge
	}
	s.backend.metrics.RecordFetched(SourceSMTP, 1)

	// 只有可重试的错误会返回，其余失败已写入死信
	if err := s.backend.dispatcher.DeliverRaw(s.backend.ctx, SourceSMTP, raw, "", nil, s.backend.now()); err != nil {
		s.backend.log.Warn("Mail deferred", zap.String("from", s.from), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}
	return nil
}

// Reset 重置状态
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束
func (s *session) Logout() error {
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
