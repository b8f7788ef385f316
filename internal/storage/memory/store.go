package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/storage"
)

// Store 使用内存保存工单数据，主要用于开发验证和测试。
//
// 唯一约束与数据库实现保持一致：(envID, ticketID)、(envID, ticketNumber)、
// 未删除工单的 (envID, subject)、工单邮件的 (envID, subject, thread, fromAddress)。
type Store struct {
	mu sync.RWMutex

	tickets      map[string]*domain.Ticket      // id -> ticket
	emails       map[string]*domain.TicketEmail // id -> ticket email
	attachments  map[string]*domain.Attachment  // id -> attachment
	users        map[string]*domain.User        // id -> user
	byEmail      map[string]string              // email -> userID
	environments map[string]*domain.Environment // envID -> environment

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		tickets:      make(map[string]*domain.Ticket),
		emails:       make(map[string]*domain.TicketEmail),
		attachments:  make(map[string]*domain.Attachment),
		users:        make(map[string]*domain.User),
		byEmail:      make(map[string]string),
		environments: make(map[string]*domain.Environment),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ========== Ticket ==========

// CreateTicket 保存新工单
func (s *Store) CreateTicket(_ context.Context, ticket *domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket.ID == "" {
		ticket.ID = domain.NewID()
	}
	if _, exists := s.tickets[ticket.ID]; exists {
		return storage.ErrDuplicate
	}
	for _, t := range s.tickets {
		if t.EnvID != ticket.EnvID {
			continue
		}
		if t.TicketID == ticket.TicketID || t.TicketNumber == ticket.TicketNumber {
			return storage.ErrDuplicate
		}
		if !t.IsDeleted && !ticket.IsDeleted && t.Subject == ticket.Subject {
			return storage.ErrDuplicate
		}
	}

	ticket.Touch(s.now())
	cp := *ticket
	s.tickets[cp.ID] = &cp
	return nil
}

// GetTicket 根据 ID 获取未删除工单
func (s *Store) GetTicket(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[id]
	if !ok || t.IsDeleted {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// FindTicketBySubject 按关联键查找未删除工单
func (s *Store) FindTicketBySubject(_ context.Context, envID, subject string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tickets {
		if t.EnvID == envID && t.Subject == subject && !t.IsDeleted {
			cp := *t
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// UpdateTicket 部分更新工单
func (s *Store) UpdateTicket(_ context.Context, id string, patch domain.TicketPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok || t.IsDeleted {
		return storage.ErrNotFound
	}
	if patch.ExpectedThreadCount != 0 && t.ThreadCount != patch.ExpectedThreadCount {
		return storage.ErrConflict
	}
	patch.Apply(t)
	t.UpdatedAt = s.now()
	return nil
}

// CountTickets 统计环境内工单总数（包含软删除）
func (s *Store) CountTickets(_ context.Context, envID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, t := range s.tickets {
		if t.EnvID == envID {
			n++
		}
	}
	return n, nil
}

// ListTickets 返回环境内未删除工单，最新的在前
func (s *Store) ListTickets(ctx context.Context, envID string) ([]domain.Ticket, error) {
	return s.FilterTickets(ctx, storage.TicketFilter{EnvID: envID})
}

// FilterTickets 按条件筛选未删除工单，最新的在前
func (s *Store) FilterTickets(_ context.Context, filter storage.TicketFilter) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Ticket, 0)
	for _, t := range s.tickets {
		if t.IsDeleted || !filter.Matches(t) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TicketNumber > out[j].TicketNumber
	})
	return out, nil
}

// ========== Ticket Email ==========

// CreateTicketEmail 保存工单邮件
func (s *Store) CreateTicketEmail(_ context.Context, email *domain.TicketEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if email.ID == "" {
		email.ID = domain.NewID()
	}
	email.SyncFromAddress()
	if _, exists := s.emails[email.ID]; exists {
		return storage.ErrDuplicate
	}
	for _, e := range s.emails {
		if e.EnvID == email.EnvID && e.Subject == email.Subject && e.IsDeleted == email.IsDeleted &&
			e.Thread == email.Thread && e.FromAddress == email.FromAddress {
			return storage.ErrDuplicate
		}
	}

	email.Touch(s.now())
	s.emails[email.ID] = cloneEmail(email)
	return nil
}

// GetTicketEmail 根据 ID 获取未删除邮件
func (s *Store) GetTicketEmail(_ context.Context, id string) (*domain.TicketEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.emails[id]
	if !ok || e.IsDeleted {
		return nil, storage.ErrNotFound
	}
	return cloneEmail(e), nil
}

// UpdateTicketEmail 原地更新邮件可变字段
func (s *Store) UpdateTicketEmail(_ context.Context, id string, patch domain.TicketEmailPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok || e.IsDeleted {
		return storage.ErrNotFound
	}
	patch.Apply(e)
	e.UpdatedAt = s.now()
	return nil
}

// CountEmailsBySubject 统计环境内同主题的未删除邮件
func (s *Store) CountEmailsBySubject(_ context.Context, envID, subject string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.emails {
		if e.EnvID == envID && e.Subject == subject && !e.IsDeleted {
			n++
		}
	}
	return n, nil
}

// FindEmailByThread 按工单和会话位置查找邮件
func (s *Store) FindEmailByThread(_ context.Context, ticketRef string, thread int) (*domain.TicketEmail, error) {
	return s.findEmail(func(e *domain.TicketEmail) bool {
		return e.TicketRef == ticketRef && e.Thread == thread
	})
}

// FindDraftByType 查找工单指定类型的草稿
func (s *Store) FindDraftByType(_ context.Context, ticketRef string, emailType domain.TicketEmailType) (*domain.TicketEmail, error) {
	return s.findEmail(func(e *domain.TicketEmail) bool {
		return e.TicketRef == ticketRef && e.Draft && e.TicketEmailType == emailType
	})
}

// FindDraftByID 按 ID 查找草稿
func (s *Store) FindDraftByID(_ context.Context, id string) (*domain.TicketEmail, error) {
	return s.findEmail(func(e *domain.TicketEmail) bool {
		return e.ID == id && e.Draft
	})
}

// FindEmailByMessageID 按 Message-ID 查找邮件
func (s *Store) FindEmailByMessageID(_ context.Context, envID, messageID string) (*domain.TicketEmail, error) {
	if messageID == "" {
		return nil, storage.ErrNotFound
	}
	return s.findEmail(func(e *domain.TicketEmail) bool {
		return e.EnvID == envID && e.MessageID == messageID
	})
}

// ListEmailsByTicket 返回工单全部未删除邮件，thread 倒序
func (s *Store) ListEmailsByTicket(_ context.Context, ticketRef string) ([]domain.TicketEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TicketEmail, 0)
	for _, e := range s.emails {
		if e.TicketRef == ticketRef && !e.IsDeleted {
			out = append(out, *cloneEmail(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Thread > out[j].Thread })
	return out, nil
}

func (s *Store) findEmail(match func(*domain.TicketEmail) bool) (*domain.TicketEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.emails {
		if !e.IsDeleted && match(e) {
			return cloneEmail(e), nil
		}
	}
	return nil, storage.ErrNotFound
}

func cloneEmail(e *domain.TicketEmail) *domain.TicketEmail {
	cp := *e
	cp.From = append([]domain.MailAddress(nil), e.From...)
	cp.To = append([]domain.MailAddress(nil), e.To...)
	cp.Cc = append([]domain.MailAddress(nil), e.Cc...)
	cp.Bcc = append([]domain.MailAddress(nil), e.Bcc...)
	cp.Attachments = append([]domain.AttachmentRef(nil), e.Attachments...)
	return &cp
}

// ========== Attachment ==========

// CreateAttachment 保存附件元数据
func (s *Store) CreateAttachment(_ context.Context, attachment *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attachment.ID == "" {
		attachment.ID = domain.NewID()
	}
	if _, exists := s.attachments[attachment.ID]; exists {
		return storage.ErrDuplicate
	}
	attachment.Touch(s.now())
	cp := *attachment
	s.attachments[cp.ID] = &cp
	return nil
}

// GetAttachment 根据 ID 获取附件
func (s *Store) GetAttachment(_ context.Context, id string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attachments[id]
	if !ok || a.IsDeleted {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ExistingContentIDs 返回环境内已存储的 Content-ID 及其最早一份附件的 ID
func (s *Store) ExistingContentIDs(_ context.Context, envID string, contentIDs []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(contentIDs))
	for _, id := range contentIDs {
		if id != "" {
			wanted[id] = true
		}
	}
	first := make(map[string]*domain.Attachment)
	for _, a := range s.attachments {
		if a.EnvID != envID || a.IsDeleted || !wanted[a.ContentID] {
			continue
		}
		cur, ok := first[a.ContentID]
		if !ok || a.CreatedAt.Before(cur.CreatedAt) || (a.CreatedAt.Equal(cur.CreatedAt) && a.ID < cur.ID) {
			first[a.ContentID] = a
		}
	}
	found := make(map[string]string, len(first))
	for cid, a := range first {
		found[cid] = a.ID
	}
	return found, nil
}

// ========== User ==========

// CreateUser 保存用户
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, exists := s.byEmail[email]; exists {
		return storage.ErrDuplicate
	}
	if user.ID == "" {
		user.ID = domain.NewID()
	}
	user.Touch(s.now())
	cp := *user
	s.users[cp.ID] = &cp
	s.byEmail[email] = cp.ID
	return nil
}

// GetUserByID 根据 ID 获取用户
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok || u.IsDeleted {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByEmail 根据邮箱获取用户
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetUserByID(ctx, id)
}

// UpdateUser 更新用户
func (s *Store) UpdateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return storage.ErrNotFound
	}
	user.UpdatedAt = s.now()
	cp := *user
	s.users[cp.ID] = &cp
	return nil
}

// ListUsers 返回全部未删除用户
func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		if !u.IsDeleted {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// DeleteUser 按邮箱删除用户
func (s *Store) DeleteUser(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(email)
	id, ok := s.byEmail[email]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.users, id)
	delete(s.byEmail, email)
	return nil
}

// ========== Environment ==========

// SaveEnvironment 新建或覆盖环境
func (s *Store) SaveEnvironment(_ context.Context, env *domain.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.Touch(s.now())
	cp := *env
	s.environments[cp.EnvID] = &cp
	return nil
}

// GetEnvironment 获取环境
func (s *Store) GetEnvironment(_ context.Context, envID string) (*domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.environments[envID]
	if !ok || env.IsDeleted {
		return nil, storage.ErrNotFound
	}
	cp := *env
	return &cp, nil
}
