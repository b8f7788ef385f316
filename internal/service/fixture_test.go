package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/storage"
	"helpdesk/backend/internal/storage/filesystem"
	"helpdesk/backend/internal/storage/memory"
)

// fakeGateway 记录所有外发邮件
type fakeGateway struct {
	mu   sync.Mutex
	sent []*mailer.OutboundMail
	err  error
}

func (g *fakeGateway) Send(_ context.Context, m *mailer.OutboundMail) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, m)
	return g.err
}

func (g *fakeGateway) Sent() []*mailer.OutboundMail {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*mailer.OutboundMail(nil), g.sent...)
}

// recordingPublisher 记录推送的事件类型
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType, _ string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// countingAttachments 统计附件元数据写入次数
type countingAttachments struct {
	storage.AttachmentRepository
	mu      sync.Mutex
	creates int
}

func (c *countingAttachments) CreateAttachment(ctx context.Context, a *domain.Attachment) error {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.AttachmentRepository.CreateAttachment(ctx, a)
}

func (c *countingAttachments) Creates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

// flakyDrive 前 failures 次写入失败
type flakyDrive struct {
	Drive
	mu       sync.Mutex
	failures int
	calls    int
}

func (d *flakyDrive) SaveAttachment(envID, ticketRef, attachmentID, fileName string, content []byte) (string, error) {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failures
	d.mu.Unlock()
	if fail {
		return "", errors.New("disk unavailable")
	}
	return d.Drive.SaveAttachment(envID, ticketRef, attachmentID, fileName, content)
}

// flakyEmails 前 failures 次写入工单邮件失败
type flakyEmails struct {
	storage.TicketEmailRepository
	mu       sync.Mutex
	failures int
}

func (e *flakyEmails) CreateTicketEmail(ctx context.Context, email *domain.TicketEmail) error {
	e.mu.Lock()
	fail := e.failures > 0
	if fail {
		e.failures--
	}
	e.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return e.TicketEmailRepository.CreateTicketEmail(ctx, email)
}

func (e *flakyEmails) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = n
}

type fixture struct {
	cfg         config.HelpdeskConfig
	store       *memory.Store
	attRepo     *countingAttachments
	emails      *flakyEmails
	drive       *flakyDrive
	gateway     *fakeGateway
	events      *recordingPublisher
	attachments *AttachmentService
	notifier    *Notifier
	ingestion   *IngestionService
	composer    *ComposerService
	tickets     *TicketService
}

func testHelpdeskConfig() config.HelpdeskConfig {
	return config.HelpdeskConfig{
		EnvID:             "env1",
		TicketMarker:      "Ticket:",
		SupportRecipients: []string{"l1@y.com"},
		BaseURL:           "http://desk.test",
		EmailUserName:     "Helpdesk",
		WatcherEmail:      "helpdesk@y.com",
		IOTimeout:         time.Second,
		UploadRetries:     1,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, testHelpdeskConfig())
}

func newFixtureWith(t *testing.T, cfg config.HelpdeskConfig) *fixture {
	t.Helper()

	fs, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		cfg:     cfg,
		store:   memory.NewStore(),
		drive:   &flakyDrive{Drive: fs},
		gateway: &fakeGateway{},
		events:  &recordingPublisher{},
	}
	f.attRepo = &countingAttachments{AttachmentRepository: f.store}
	f.emails = &flakyEmails{TicketEmailRepository: f.store}
	f.attachments = NewAttachmentService(f.attRepo, f.drive, cfg, nil, nil)
	f.attachments.backoff = time.Millisecond
	// 不使用协程池，通知同步发送，便于断言
	f.notifier = NewNotifier(f.gateway, nil, cfg, nil, nil)

	locks := NewKeyLock()
	f.ingestion = NewIngestionService(cfg, IngestionDeps{
		Tickets:     f.store,
		Emails:      f.emails,
		Attachments: f.attachments,
		Notifier:    f.notifier,
		Sanitizer:   NewHTMLSanitizer(),
		Events:      f.events,
		Locks:       locks,
	}, nil)
	f.composer = NewComposerService(cfg, ComposerDeps{
		Tickets:     f.store,
		Emails:      f.store,
		Attachments: f.attachments,
		Notifier:    f.notifier,
		Events:      f.events,
		Locks:       locks,
	}, nil)
	f.tickets = NewTicketService(cfg, f.store, f.store, f.events, nil)
	return f
}

func inbound(subject, from string) *domain.InboundMail {
	return &domain.InboundMail{
		Subject:   subject,
		From:      []domain.MailAddress{{Address: from}},
		To:        []domain.MailAddress{{Address: "support@y.com"}},
		HTML:      "<p>hello</p>",
		Text:      "hello",
		MessageID: "<" + domain.NewShortID() + "@x.com>",
		Date:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) mustIngest(t *testing.T, mail *domain.InboundMail) *domain.TicketEmail {
	t.Helper()
	email, err := f.ingestion.Ingest(context.Background(), mail)
	require.NoError(t, err)
	require.NotNil(t, email)
	return email
}

func (f *fixture) ticketBySubject(t *testing.T, subject string) *domain.Ticket {
	t.Helper()
	ticket, err := f.store.FindTicketBySubject(context.Background(), f.cfg.EnvID, subject)
	require.NoError(t, err)
	return ticket
}

func (f *fixture) allTickets(t *testing.T) []domain.Ticket {
	t.Helper()
	tickets, err := f.store.ListTickets(context.Background(), f.cfg.EnvID)
	require.NoError(t, err)
	return tickets
}
