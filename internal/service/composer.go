package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/monitoring"
	"helpdesk/backend/internal/storage"
)

// ReplyPayload 操作员提交的回复、转发或草稿
type ReplyPayload struct {
	// ID 已有草稿的记录 ID，为空表示新记录
	ID              string                 `json:"id"`
	TicketID        string                 `json:"ticketId" binding:"required"`
	TicketEmailType domain.TicketEmailType `json:"ticketEmailType" binding:"required"`
	To              []string               `json:"to"`
	Cc              []string               `json:"cc"`
	Bcc             []string               `json:"bcc"`
	Content         string                 `json:"content"`
	EmailHTML       string                 `json:"emailHtml"`
	Attachments     []domain.AttachmentRef `json:"attachments"`
	InlineImages    []domain.InlineImage   `json:"inlineImgDetails"`
	Draft           bool                   `json:"draft"`
}

// Actor 当前操作员
type Actor struct {
	Name  string
	Email string
}

// ComposerDeps 回复服务依赖
type ComposerDeps struct {
	Tickets     storage.TicketRepository
	Emails      storage.TicketEmailRepository
	Attachments *AttachmentService
	Notifier    *Notifier
	Events      EventPublisher
	Metrics     *monitoring.Metrics
	Locks       *KeyLock
}

// ComposerService 生成回复/转发/草稿记录并发送外发邮件
type ComposerService struct {
	cfg         config.HelpdeskConfig
	tickets     storage.TicketRepository
	emails      storage.TicketEmailRepository
	attachments *AttachmentService
	notifier    *Notifier
	events      EventPublisher
	metrics     *monitoring.Metrics
	locks       *KeyLock
	now         func() time.Time
	log         *zap.Logger
}

// NewComposerService 创建回复服务。Locks 应与入站流水线共用，保证同一工单的 threadCount 串行更新。
func NewComposerService(cfg config.HelpdeskConfig, deps ComposerDeps, log *zap.Logger) *ComposerService {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewKeyLock()
	}
	return &ComposerService{
		cfg:         cfg,
		tickets:     deps.Tickets,
		emails:      deps.Emails,
		attachments: deps.Attachments,
		notifier:    deps.Notifier,
		events:      publisherOrNop(deps.Events),
		metrics:     deps.Metrics,
		locks:       locks,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log.With(zap.String("component", "composer")),
	}
}

func validateReply(p *ReplyPayload) error {
	if strings.TrimSpace(p.TicketID) == "" {
		return domain.NewValidationError("ticketId", "ticket id is required")
	}
	switch p.TicketEmailType {
	case domain.TicketEmailTypeReply, domain.TicketEmailTypeForward:
	default:
		return domain.NewValidationError("ticketEmailType", fmt.Sprintf("must be Reply or Forward, got %q", p.TicketEmailType))
	}
	p.To = compactAddresses(p.To)
	p.Cc = compactAddresses(p.Cc)
	p.Bcc = compactAddresses(p.Bcc)
	if len(p.To) == 0 {
		return domain.NewValidationError("to", "at least one recipient is required")
	}
	for _, list := range [][]string{p.To, p.Cc, p.Bcc} {
		for _, addr := range list {
			if !domain.ValidateEmail(addr) {
				return domain.NewValidationError("recipients", fmt.Sprintf("invalid address %q", addr))
			}
		}
	}
	return nil
}

// ReplyOrDraft 保存回复/转发（或草稿），非草稿时立即发送。
//
// 带 ID 或工单已有同类型草稿时原地更新草稿，工单不变；
// 否则新建记录并更新工单的 threadCount 和 ticketOwner。
func (s *ComposerService) ReplyOrDraft(ctx context.Context, payload ReplyPayload, actor Actor) (*domain.TicketEmail, error) {
	if err := validateReply(&payload); err != nil {
		return nil, err
	}

	ticket, err := s.loadTicket(ctx, payload.TicketID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(ticket.EnvID + "\x00" + ticket.Subject)
	defer unlock()

	// 持锁后重新读取，拿到最新的 threadCount
	if ticket, err = s.loadTicket(ctx, payload.TicketID); err != nil {
		return nil, err
	}

	var draft *domain.TicketEmail
	if payload.ID != "" {
		if draft, err = s.loadDraft(ctx, payload.ID, ticket.ID); err != nil {
			return nil, err
		}
	} else {
		// 每种类型同时只保留一份草稿，已有草稿时原地更新
		if draft, err = s.pendingDraft(ctx, ticket.ID, payload.TicketEmailType); err != nil {
			return nil, err
		}
		if draft != nil {
			payload.ID = draft.ID
		}
	}

	record := s.toTicketEmail(ticket, &payload, actor)

	var saved *domain.TicketEmail
	if draft != nil {
		saved, err = s.updateDraft(ctx, draft, record)
	} else {
		saved, err = s.create(ctx, ticket, record, actor)
	}
	if err != nil {
		return nil, err
	}

	if !payload.Draft {
		s.dispatch(ctx, ticket, saved, &payload)
	}

	s.metrics.RecordReply(string(payload.TicketEmailType), payload.Draft)
	s.log.Info("Ticket email composed",
		zap.String("ticketID", ticket.TicketID),
		zap.String("type", string(payload.TicketEmailType)),
		zap.Int("thread", saved.Thread),
		zap.Bool("draft", payload.Draft),
		zap.Bool("updated", draft != nil),
	)
	return saved, nil
}

func (s *ComposerService) loadTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	ticket, err := s.tickets.GetTicket(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NewNotFoundError("ticket", id)
	}
	if err != nil {
		return nil, domain.NewDependencyError("load ticket", true, err)
	}
	return ticket, nil
}

// loadDraft 已发送的记录不可再修改，按不存在处理
func (s *ComposerService) loadDraft(ctx context.Context, id, ticketRef string) (*domain.TicketEmail, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	draft, err := s.emails.FindDraftByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NewNotFoundError("draft ticket email", id)
	}
	if err != nil {
		return nil, domain.NewDependencyError("load draft", true, err)
	}
	if draft.TicketRef != ticketRef {
		return nil, domain.NewNotFoundError("draft ticket email", id)
	}
	return draft, nil
}

// pendingDraft 查找工单指定类型的草稿，没有时返回 nil
func (s *ComposerService) pendingDraft(ctx context.Context, ticketRef string, typ domain.TicketEmailType) (*domain.TicketEmail, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	draft, err := s.emails.FindDraftByType(ctx, ticketRef, typ)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewDependencyError("find draft by type", true, err)
	}
	return draft, nil
}

// toTicketEmail 根据工单和回复内容构造记录
func (s *ComposerService) toTicketEmail(ticket *domain.Ticket, p *ReplyPayload, actor Actor) *domain.TicketEmail {
	now := s.now()
	thread := ticket.ThreadCount + 1
	if p.ID != "" {
		thread = ticket.ThreadCount
	}

	to := make([]domain.MailAddress, 0, len(p.To))
	for _, addr := range p.To {
		to = append(to, domain.MailAddress{Address: addr, Name: ticket.ContactName})
	}

	attachments := p.Attachments
	if attachments == nil {
		attachments = []domain.AttachmentRef{}
	}

	return &domain.TicketEmail{
		TicketRef: ticket.ID,
		EnvID:     ticket.EnvID,
		Thread:    thread,
		Subject:   ticket.Subject,
		// 回复记录的原始主题就是工单主题
		OriginalSubject: ticket.Subject,
		From:            []domain.MailAddress{{Name: s.cfg.EmailUserName, Address: s.cfg.WatcherEmail}},
		To:              to,
		Cc:              localPartAddresses(p.Cc),
		Bcc:             localPartAddresses(p.Bcc),
		HTML:            p.Content,
		Text:            p.Content,
		Headers: domain.EmailHeaders{
			From:    fmt.Sprintf("%s <%s>", s.cfg.EmailUserName, s.cfg.WatcherEmail),
			Subject: ticket.Subject,
			Date:    now,
		},
		MessageID:       domain.NewMessageID(s.cfg.WatcherEmail),
		Priority:        domain.DefaultEmailPriority,
		Date:            now,
		ReceivedDate:    now,
		Attachments:     attachments,
		TicketEmailType: p.TicketEmailType,
		Draft:           p.Draft,
		SenderName:      actor.Name,
		SenderEmail:     actor.Email,
		RecipientName:   ticket.ContactName,
		RecipientEmail:  ticket.ContactEmail,
		Audit: domain.Audit{
			CreatedBy: actor.Email,
			UpdatedBy: actor.Email,
		},
	}
}

func compactAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func localPartAddresses(addrs []string) []domain.MailAddress {
	out := make([]domain.MailAddress, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, domain.MailAddress{Address: addr, Name: domain.LocalPart(addr)})
	}
	return out
}

// updateDraft 原地更新草稿；工单的 threadCount 和 ticketOwner 保持不变
func (s *ComposerService) updateDraft(ctx context.Context, draft, record *domain.TicketEmail) (*domain.TicketEmail, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	patch := domain.PatchFrom(record)
	if err := s.emails.UpdateTicketEmail(ctx, draft.ID, patch); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NewNotFoundError("draft ticket email", draft.ID)
		}
		return nil, domain.NewDependencyError("update draft", false, err)
	}
	patch.Apply(draft)
	return draft, nil
}

// create 新建记录后更新工单。记录写入成功而工单更新失败时不回滚。
func (s *ComposerService) create(ctx context.Context, ticket *domain.Ticket, record *domain.TicketEmail, actor Actor) (*domain.TicketEmail, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	if err := s.emails.CreateTicketEmail(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, &domain.ConsistencyError{Key: ticket.EnvID + "/" + ticket.Subject}
		}
		return nil, domain.NewDependencyError("store ticket email", false, err)
	}

	thread := record.Thread
	owner := actor.Name
	patch := domain.TicketPatch{
		ThreadCount:         &thread,
		TicketOwner:         &owner,
		ExpectedThreadCount: ticket.ThreadCount,
	}
	if actor.Email != "" {
		patch.UpdatedBy = &actor.Email
	}
	if err := s.tickets.UpdateTicket(ctx, ticket.ID, patch); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return nil, &domain.ConsistencyError{Key: ticket.EnvID + "/" + ticket.Subject}
		}
		return nil, domain.NewDependencyError("update ticket after reply", false, err)
	}
	ticket.ThreadCount = thread
	ticket.TicketOwner = owner

	s.events.Publish(EventTicketEmailCreated, record.EnvID, record)
	s.events.Publish(EventTicketUpdated, ticket.EnvID, ticket)
	return record, nil
}

// dispatch 发送回复或转发，失败只记录日志
func (s *ComposerService) dispatch(ctx context.Context, ticket *domain.Ticket, record *domain.TicketEmail, p *ReplyPayload) {
	inline, err := InlineImageAttachments(p.InlineImages)
	if err != nil {
		s.log.Error("Invalid inline images, sending without them", zap.Error(err))
		inline = nil
	}

	mail := &mailer.OutboundMail{
		Subject:  ticket.Subject,
		Template: mailer.TemplateReplyTicket,
		Body:     p.EmailHTML,
	}

	switch p.TicketEmailType {
	case domain.TicketEmailTypeForward:
		mail.To = p.To
		mail.Cc = p.Cc
		mail.Bcc = p.Bcc
		mail.Attachments = inline
	case domain.TicketEmailTypeReply:
		mail.To = addresses(record.To)
		mail.Cc = addresses(record.Cc)
		mail.Bcc = addresses(record.Bcc)
		mail.InReplyTo = s.originalMessageID(ctx, ticket.ID)
		mail.Attachments = append(inline, s.attachments.ResolveRefs(record.Attachments)...)
	}

	s.notifier.Send(ctx, mail)
}

// originalMessageID 返回工单第一封邮件的 Message-ID
func (s *ComposerService) originalMessageID(ctx context.Context, ticketRef string) string {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	first, err := s.emails.FindEmailByThread(ctx, ticketRef, 1)
	if err != nil {
		s.log.Warn("Original ticket email not found, reply sent without In-Reply-To",
			zap.String("ticketRef", ticketRef), zap.Error(err))
		return ""
	}
	return first.MessageID
}

func addresses(list []domain.MailAddress) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
