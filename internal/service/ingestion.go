package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/monitoring"
	"helpdesk/backend/internal/storage"
)

// IngestionDeps 入站流水线依赖
type IngestionDeps struct {
	Tickets     storage.TicketRepository
	Emails      storage.TicketEmailRepository
	Attachments *AttachmentService
	Notifier    *Notifier
	Sanitizer   *HTMLSanitizer
	Events      EventPublisher
	Metrics     *monitoring.Metrics
	Locks       *KeyLock
}

// IngestionService 把入站邮件转换为工单和工单邮件。
//
// 同一 (环境, 关联主题) 的处理通过 KeyLock 串行化；每一步 I/O 都有独立的超时。
type IngestionService struct {
	cfg         config.HelpdeskConfig
	tickets     storage.TicketRepository
	emails      storage.TicketEmailRepository
	attachments *AttachmentService
	notifier    *Notifier
	sanitizer   *HTMLSanitizer
	events      EventPublisher
	metrics     *monitoring.Metrics
	locks       *KeyLock
	now         func() time.Time
	log         *zap.Logger
}

// NewIngestionService 创建入站流水线
func NewIngestionService(cfg config.HelpdeskConfig, deps IngestionDeps, log *zap.Logger) *IngestionService {
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
	sanitizer := deps.Sanitizer
	if !cfg.SanitizeHTML {
		sanitizer = nil
	}
	return &IngestionService{
		cfg:         cfg,
		tickets:     deps.Tickets,
		emails:      deps.Emails,
		attachments: deps.Attachments,
		notifier:    deps.Notifier,
		sanitizer:   sanitizer,
		events:      publisherOrNop(deps.Events),
		metrics:     deps.Metrics,
		locks:       locks,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log.With(zap.String("component", "ingestion")),
	}
}

// Ingest 处理一封入站邮件。
//
// 返回值:
//   - *domain.TicketEmail: 入库的工单邮件（重复投递时返回已有记录）
//   - error: 主题没有工单标记返回 domain.ErrSkipped；其他见 domain 错误分类
func (s *IngestionService) Ingest(ctx context.Context, mail *domain.InboundMail) (*domain.TicketEmail, error) {
	start := time.Now()
	result := monitoring.IngestFailed
	defer func() { s.metrics.RecordIngest(result, time.Since(start)) }()

	if mail == nil {
		result = monitoring.IngestInvalid
		return nil, domain.NewValidationError("mail", "empty mail")
	}

	info := domain.NormalizeSubject(mail.Subject, s.cfg.TicketMarker)
	if !info.Marked && !info.Response {
		result = monitoring.IngestSkipped
		s.log.Debug("Mail without ticket marker skipped", zap.String("subject", mail.Subject))
		return nil, domain.ErrSkipped
	}

	record := s.toTicketEmail(mail, info)
	if err := validateInbound(record); err != nil {
		result = monitoring.IngestInvalid
		s.log.Warn("Inbound mail rejected",
			zap.String("subject", mail.Subject),
			zap.String("messageId", mail.MessageID),
			zap.Error(err),
		)
		return nil, err
	}

	unlock := s.locks.Lock(s.cfg.EnvID + "\x00" + record.Subject)
	defer unlock()

	if dup, err := s.findDelivered(ctx, record.MessageID); err != nil {
		return nil, err
	} else if dup != nil {
		result = monitoring.IngestSkipped
		s.log.Info("Duplicate delivery ignored",
			zap.String("messageId", record.MessageID),
			zap.String("ticketRef", dup.TicketRef),
		)
		return dup, nil
	}

	existing, err := s.findTicket(ctx, record.Subject)
	if err != nil {
		return nil, err
	}
	// 回复/转发只能并入已有工单
	if existing == nil && !info.Marked {
		result = monitoring.IngestSkipped
		s.log.Debug("Response to unknown ticket skipped", zap.String("subject", mail.Subject))
		return nil, domain.ErrSkipped
	}

	thread, err := s.threadPosition(ctx, record.Subject, existing)
	if err != nil {
		return nil, err
	}
	record.Thread = thread

	ticket, created, err := s.upsertTicket(ctx, existing, record)
	if err != nil {
		return nil, err
	}
	record.TicketRef = ticket.ID

	uploaded, reused, err := s.materialize(ctx, ticket.ID, mail.Attachments)
	if err != nil {
		return nil, err
	}

	s.rewrite(record, uploaded, reused)

	if err := s.persist(ctx, record); err != nil {
		return nil, err
	}

	s.notifier.NotifyNewTicket(ticket.TicketNumber, mail.HTML, s.attachments.ResolveRefs(uploaded))

	if created {
		result = monitoring.IngestCreated
		s.events.Publish(EventTicketCreated, ticket.EnvID, ticket)
	} else {
		result = monitoring.IngestThreaded
		s.events.Publish(EventTicketUpdated, ticket.EnvID, ticket)
	}
	s.events.Publish(EventTicketEmailCreated, record.EnvID, record)

	s.log.Info("Inbound mail stored",
		zap.String("ticketID", ticket.TicketID),
		zap.Int64("ticketNumber", ticket.TicketNumber),
		zap.Int("thread", record.Thread),
		zap.Bool("newTicket", created),
		zap.Int("attachments", len(uploaded)),
	)
	return record, nil
}

// toTicketEmail 入站邮件转换为工单邮件记录
func (s *IngestionService) toTicketEmail(mail *domain.InboundMail, info domain.SubjectInfo) *domain.TicketEmail {
	now := s.now()
	record := &domain.TicketEmail{
		EnvID:           s.cfg.EnvID,
		Subject:         info.Canonical,
		OriginalSubject: mail.Subject,
		From:            mail.From,
		To:              mail.To,
		Cc:              mail.Cc,
		HTML:            mail.HTML,
		Text:            mail.Text,
		Headers:         mail.HeaderSnapshot(),
		MessageID:       mail.MessageID,
		Priority:        mail.Priority,
		Date:            mail.Date,
		ReceivedDate:    mail.ReceivedDate,
		UID:             mail.UID,
		Flags:           strings.Join(mail.Flags, ","),
		TicketEmailType: domain.TicketEmailTypeTicket,
		Draft:           false,
	}
	if record.Date.IsZero() {
		record.Date = now
	}
	if record.ReceivedDate.IsZero() {
		record.ReceivedDate = now
	}
	if record.Priority == "" {
		record.Priority = domain.DefaultEmailPriority
	}
	if len(mail.From) > 0 {
		record.SenderName = mail.From[0].DisplayName()
		record.SenderEmail = mail.From[0].Address
	}
	if len(mail.To) > 0 {
		record.RecipientName = mail.To[0].DisplayName()
		record.RecipientEmail = mail.To[0].Address
	}
	return record
}

func validateInbound(record *domain.TicketEmail) error {
	if record.Subject == "" {
		return domain.NewValidationError("subject", "subject is empty after normalization")
	}
	if record.SenderEmail == "" {
		return domain.NewValidationError("from", "sender address is required")
	}
	return nil
}

// findDelivered 查找同一 Message-ID 的已入库邮件
func (s *IngestionService) findDelivered(ctx context.Context, messageID string) (*domain.TicketEmail, error) {
	if messageID == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	email, err := s.emails.FindEmailByMessageID(ctx, s.cfg.EnvID, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewDependencyError("lookup message id", true, err)
	}
	return email, nil
}

func (s *IngestionService) findTicket(ctx context.Context, subject string) (*domain.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	ticket, err := s.tickets.FindTicketBySubject(ctx, s.cfg.EnvID, subject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewDependencyError("find ticket by subject", true, err)
	}
	return ticket, nil
}

// threadPosition 会话位置 = 同主题未删除邮件数 + 1。
//
// 工单计数领先于邮件数且该位置已被占用时（手工工单上先有回复），排在 threadCount 之后。
func (s *IngestionService) threadPosition(ctx context.Context, subject string, existing *domain.Ticket) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	count, err := s.emails.CountEmailsBySubject(ctx, s.cfg.EnvID, subject)
	if err != nil {
		return 0, domain.NewDependencyError("count emails by subject", true, err)
	}
	thread := int(count) + 1
	if existing == nil || existing.ThreadCount < thread {
		return thread, nil
	}

	_, err = s.emails.FindEmailByThread(ctx, existing.ID, thread)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return thread, nil
	case err != nil:
		return 0, domain.NewDependencyError("find email by thread", true, err)
	}
	return existing.ThreadCount + 1, nil
}

// upsertTicket 新主题创建工单；已有工单的 threadCount 推进到 record.Thread。
//
// 上一次投递在写入邮件前失败时，工单计数已经等于 record.Thread，不再推进。
func (s *IngestionService) upsertTicket(ctx context.Context, existing *domain.Ticket, record *domain.TicketEmail) (*domain.Ticket, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	key := s.cfg.EnvID + "/" + record.Subject

	if existing != nil {
		if record.Thread <= existing.ThreadCount {
			return existing, false, nil
		}
		next := record.Thread
		patch := domain.TicketPatch{ThreadCount: &next, ExpectedThreadCount: existing.ThreadCount}
		if err := s.tickets.UpdateTicket(ctx, existing.ID, patch); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				return nil, false, &domain.ConsistencyError{Key: key}
			}
			return nil, false, domain.NewDependencyError("update ticket thread count", true, err)
		}
		existing.ThreadCount = next
		return existing, false, nil
	}

	total, err := s.tickets.CountTickets(ctx, s.cfg.EnvID)
	if err != nil {
		return nil, false, domain.NewDependencyError("count tickets", true, err)
	}
	ticket := &domain.Ticket{
		EnvID:        s.cfg.EnvID,
		TicketID:     domain.NewShortID(),
		TicketNumber: total + 1,
		TicketOwner:  domain.DefaultTicketOwner,
		ContactName:  record.SenderName,
		ContactEmail: record.SenderEmail,
		Subject:      record.Subject,
		ThreadCount:  record.Thread,
		Status:       domain.TicketStatusNew,
		Channel:      domain.TicketChannelEmail,
		Seen:         false,
	}
	if err := s.tickets.CreateTicket(ctx, ticket); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, false, &domain.ConsistencyError{Key: key}
		}
		return nil, false, domain.NewDependencyError("create ticket", true, err)
	}
	return ticket, true, nil
}

// materialize 上传附件，环境内已存在的 Content-ID 复用已有附件。
//
// 返回邮件引用的附件，以及复用的内联附件 Content-ID 到附件 ID 的映射。
// 已上传的附件不会回滚。
func (s *IngestionService) materialize(ctx context.Context, ticketRef string, atts []domain.MailAttachment) ([]domain.AttachmentRef, map[string]string, error) {
	if len(atts) == 0 {
		return nil, nil, nil
	}

	cids := make([]string, 0, len(atts))
	for _, a := range atts {
		cids = append(cids, a.ContentID)
	}
	existing, err := s.attachments.ExistingContentIDs(ctx, s.cfg.EnvID, cids)
	if err != nil {
		return nil, nil, err
	}

	refs := make([]domain.AttachmentRef, 0, len(atts))
	reused := make(map[string]string)
	// 同一封邮件内重复的 Content-ID 只处理一次
	handled := make(map[string]bool)
	skipped := 0
	for _, a := range atts {
		if a.ContentID != "" && handled[a.ContentID] {
			skipped++
			continue
		}
		if id, ok := existing[a.ContentID]; ok && a.ContentID != "" {
			skipped++
			handled[a.ContentID] = true
			if domain.Disposition(a.ContentDisposition) == domain.DispositionInline {
				reused[a.ContentID] = id
				continue
			}
			att, err := s.attachments.Get(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			refs = append(refs, att.Ref())
			continue
		}

		stored, err := s.attachments.Upload(ctx, UploadInput{
			EnvID:       s.cfg.EnvID,
			TicketRef:   ticketRef,
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Content:     a.Content,
			Disposition: a.ContentDisposition,
			ContentID:   a.ContentID,
		})
		if errors.Is(err, ErrNoContent) {
			s.log.Warn("Empty attachment skipped", zap.String("name", a.FileName))
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		handled[stored.ContentID] = true
		refs = append(refs, stored.Ref())
	}
	s.metrics.RecordAttachmentsDeduped(skipped)
	return refs, reused, nil
}

// rewrite 内联图片改为下载地址，截断引用内容，附件列表只保留 attachment
func (s *IngestionService) rewrite(record *domain.TicketEmail, refs []domain.AttachmentRef, reused map[string]string) {
	inline := make(map[string]string, len(reused))
	for cid, id := range reused {
		inline[cid] = id
	}
	kept := make([]domain.AttachmentRef, 0, len(refs))
	for _, ref := range refs {
		if ref.ContentDisposition == domain.DispositionInline {
			inline[ref.ContentID] = ref.ID
			continue
		}
		kept = append(kept, ref)
	}

	html := RewriteInline(record.HTML, inline, s.cfg.BaseURL)
	html = TruncateQuoted(html)
	record.HTML = s.sanitizer.Sanitize(html)
	record.Attachments = kept
}

func (s *IngestionService) persist(ctx context.Context, record *domain.TicketEmail) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	if err := s.emails.CreateTicketEmail(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return &domain.ConsistencyError{Key: s.cfg.EnvID + "/" + record.Subject}
		}
		return domain.NewDependencyError("store ticket email", true, err)
	}
	return nil
}
