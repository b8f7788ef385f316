package mailer

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"helpdesk/backend/internal/config"
)

// 模板名称
const (
	TemplateSupportTicket  = "send-ticket-to-support"
	TemplateReplyTicket    = "reply-ticket"
	TemplateNewUser        = "new-user-email"
	TemplateChangePassword = "change-password"
	TemplatePasswordReset  = "password-reset"
)

//go:embed templates/*.html
var builtinTemplates embed.FS

// ErrNoRecipients 邮件没有任何收件人
var ErrNoRecipients = errors.New("mail has no recipients")

// Attachment 外发邮件附件
//
// Path 非空时从磁盘读取；否则使用 Content。ContentID 非空时作为内联图片嵌入。
type Attachment struct {
	Filename    string
	Path        string
	Content     []byte
	ContentType string
	ContentID   string
}

// OutboundMail 一封外发邮件
type OutboundMail struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Template    string
	Body        string            // HTML 正文，渲染到模板的 .Body
	Data        map[string]string // 其他模板变量
	InReplyTo   string
	Attachments []Attachment
}

// Sender 实际投递邮件的连接
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Gateway 通知网关：模板渲染、限流、SMTP 投递
type Gateway struct {
	cfg         config.MailerConfig
	fromName    string
	fromAddress string
	sender      Sender
	templates   *template.Template
	limiter     *rate.Limiter
	log         *zap.Logger
}

// New 创建通知网关
//
// 参数:
//   - cfg: 外发 SMTP 配置
//   - fromName: 发件人显示名
//   - fromAddress: 发件地址（被监听的邮箱）
func New(cfg config.MailerConfig, fromName, fromAddress string, log *zap.Logger) (*Gateway, error) {
	tmpl, err := loadTemplates(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Gateway{
		cfg:         cfg,
		fromName:    fromName,
		fromAddress: fromAddress,
		sender:      gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		templates:   tmpl,
		limiter:     rate.NewLimiter(limit, burst),
		log:         log,
	}, nil
}

// WithSender 替换投递连接（测试或自定义传输）
func (g *Gateway) WithSender(sender Sender) *Gateway {
	g.sender = sender
	return g
}

// loadTemplates 加载内置模板，dir 非空时用目录中同名模板覆盖
func loadTemplates(dir string) (*template.Template, error) {
	tmpl, err := template.ParseFS(builtinTemplates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse builtin templates: %w", err)
	}
	if dir == "" {
		return tmpl, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.html"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return tmpl, nil
	}
	tmpl, err = tmpl.ParseFiles(files...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates in %s: %w", dir, err)
	}
	return tmpl, nil
}

// Send 渲染并发送邮件，阻塞直到限流器放行或 ctx 结束
func (g *Gateway) Send(ctx context.Context, mail *OutboundMail) error {
	if len(mail.To)+len(mail.Cc)+len(mail.Bcc) == 0 {
		return ErrNoRecipients
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail rate limit: %w", err)
	}

	m, err := g.buildMessage(mail)
	if err != nil {
		return err
	}

	if g.cfg.Disabled {
		g.log.Info("mailer disabled, message dropped",
			zap.Strings("to", mail.To),
			zap.String("subject", mail.Subject),
			zap.String("template", mail.Template),
		)
		return nil
	}

	// gomail 不支持 context，放到协程里等待
	done := make(chan error, 1)
	go func() { done <- g.sender.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send mail: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	g.log.Info("mail sent",
		zap.Strings("to", mail.To),
		zap.String("subject", mail.Subject),
		zap.String("template", mail.Template),
	)
	return nil
}

// Render 渲染模板
func (g *Gateway) Render(name, body string, data map[string]string) (string, error) {
	if g.templates.Lookup(name+".html") == nil {
		return "", fmt.Errorf("unknown mail template %q", name)
	}

	var buf bytes.Buffer
	err := g.templates.ExecuteTemplate(&buf, name+".html", struct {
		Body template.HTML
		Data map[string]string
	}{
		Body: template.HTML(body),
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", name, err)
	}
	return buf.String(), nil
}

// buildMessage 构造 MIME 邮件
func (g *Gateway) buildMessage(mail *OutboundMail) (*gomail.Message, error) {
	html := mail.Body
	if mail.Template != "" {
		rendered, err := g.Render(mail.Template, mail.Body, mail.Data)
		if err != nil {
			return nil, err
		}
		html = rendered
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", g.fromAddress, g.fromName)
	if len(mail.To) > 0 {
		m.SetHeader("To", mail.To...)
	}
	if len(mail.Cc) > 0 {
		m.SetHeader("Cc", mail.Cc...)
	}
	if len(mail.Bcc) > 0 {
		m.SetHeader("Bcc", mail.Bcc...)
	}
	m.SetHeader("Subject", mail.Subject)
	if mail.InReplyTo != "" {
		m.SetHeader("In-Reply-To", mail.InReplyTo)
		m.SetHeader("References", mail.InReplyTo)
	}
	m.SetBody("text/html", html)

	for _, att := range mail.Attachments {
		if err := attach(m, att); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// attach 添加附件或内联图片
func attach(m *gomail.Message, att Attachment) error {
	name := att.Filename
	if name == "" {
		name = filepath.Base(att.Path)
	}

	headers := map[string][]string{}
	if att.ContentType != "" {
		headers["Content-Type"] = []string{fmt.Sprintf("%s; name=%q", att.ContentType, name)}
	}

	settings := []gomail.FileSetting{gomail.Rename(name)}
	if att.Path != "" {
		if _, err := os.Stat(att.Path); err != nil {
			return fmt.Errorf("attachment %s: %w", name, err)
		}
	} else {
		content := att.Content
		settings = append(settings, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(content)
			return err
		}))
	}

	source := att.Path
	if source == "" {
		source = name
	}

	if att.ContentID != "" {
		headers["Content-ID"] = []string{"<" + strings.Trim(att.ContentID, "<>") + ">"}
		m.Embed(source, append(settings, gomail.SetHeader(headers))...)
		return nil
	}
	if len(headers) > 0 {
		settings = append(settings, gomail.SetHeader(headers))
	}
	m.Attach(source, settings...)
	return nil
}
