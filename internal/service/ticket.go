package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/storage"
)

// 筛选查询中的保留参数
const (
	filterSearch    = "search"
	filterCondition = "condition"
)

// TicketService 工单查询和维护
type TicketService struct {
	cfg     config.HelpdeskConfig
	tickets storage.TicketRepository
	emails  storage.TicketEmailRepository
	events  EventPublisher
	log     *zap.Logger
}

// NewTicketService 创建工单服务
func NewTicketService(cfg config.HelpdeskConfig, tickets storage.TicketRepository, emails storage.TicketEmailRepository, events EventPublisher, log *zap.Logger) *TicketService {
	if log == nil {
		log = zap.NewNop()
	}
	return &TicketService{
		cfg:     cfg,
		tickets: tickets,
		emails:  emails,
		events:  publisherOrNop(events),
		log:     log,
	}
}

// CreateTicketInput 手工建单输入
type CreateTicketInput struct {
	Subject                       string     `json:"subject" binding:"required"`
	ContactName                   string     `json:"contactName"`
	ContactEmail                  string     `json:"contactEmail" binding:"required"`
	TicketOwner                   string     `json:"ticketOwner"`
	Status                        string     `json:"status"`
	Priority                      string     `json:"priority"`
	Classifications               string     `json:"classifications"`
	Category                      string     `json:"category"`
	SubCategory                   string     `json:"subCategory"`
	Sites                         string     `json:"sites"`
	Company                       string     `json:"company"`
	BugType                       string     `json:"bugType"`
	Channel                       string     `json:"channel"`
	TechnicalTeamAssistanceNeeded bool       `json:"technicalTeamAssistanceNeeded"`
	Description                   string     `json:"description"`
	DueDate                       *time.Time `json:"dueDate"`
}

// Create 手工创建工单，工单号和短 ID 由系统分配
func (s *TicketService) Create(ctx context.Context, in CreateTicketInput, actor Actor) (*domain.Ticket, error) {
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return nil, domain.NewValidationError("subject", "subject is required")
	}
	if !domain.ValidateEmail(in.ContactEmail) {
		return nil, domain.NewValidationError("contactEmail", "invalid email format")
	}

	total, err := s.tickets.CountTickets(ctx, s.cfg.EnvID)
	if err != nil {
		return nil, domain.NewDependencyError("count tickets", true, err)
	}

	ticket := &domain.Ticket{
		EnvID:                         s.cfg.EnvID,
		TicketID:                      domain.NewShortID(),
		TicketNumber:                  total + 1,
		TicketOwner:                   orDefault(in.TicketOwner, domain.DefaultTicketOwner),
		ContactName:                   domain.NameFromAddress(in.ContactName, in.ContactEmail),
		ContactEmail:                  in.ContactEmail,
		Subject:                       subject,
		ThreadCount:                   1,
		Status:                        orDefault(in.Status, domain.TicketStatusNew),
		Priority:                      in.Priority,
		Classifications:               in.Classifications,
		Category:                      in.Category,
		SubCategory:                   in.SubCategory,
		Sites:                         in.Sites,
		Company:                       in.Company,
		BugType:                       in.BugType,
		Channel:                       in.Channel,
		TechnicalTeamAssistanceNeeded: in.TechnicalTeamAssistanceNeeded,
		Description:                   in.Description,
		DueDate:                       in.DueDate,
		Audit:                         domain.Audit{CreatedBy: actor.Email, UpdatedBy: actor.Email},
	}
	if err := s.tickets.CreateTicket(ctx, ticket); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, domain.NewValidationError("subject", "a ticket with this subject already exists")
		}
		return nil, domain.NewDependencyError("create ticket", false, err)
	}

	s.events.Publish(EventTicketCreated, ticket.EnvID, ticket)
	s.log.Info("Ticket created", zap.String("ticketID", ticket.TicketID), zap.String("by", actor.Email))
	return ticket, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Update 部分更新工单；threadCount 只由入站流水线和回复维护，这里忽略
func (s *TicketService) Update(ctx context.Context, id string, patch domain.TicketPatch, actor Actor) (*domain.Ticket, error) {
	patch.ThreadCount = nil
	patch.ExpectedThreadCount = 0
	if patch.IsEmpty() {
		return nil, domain.NewValidationError("", "no fields to update")
	}
	if actor.Email != "" {
		patch.UpdatedBy = &actor.Email
	}

	if err := s.tickets.UpdateTicket(ctx, id, patch); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NewNotFoundError("ticket", id)
		}
		return nil, domain.NewDependencyError("update ticket", false, err)
	}

	ticket, err := s.Get(ctx, id)
	if err != nil {
		// 软删除后读取不到
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s.events.Publish(EventTicketUpdated, ticket.EnvID, ticket)
	return ticket, nil
}

// Get 根据 ID 获取工单
func (s *TicketService) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetTicket(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NewNotFoundError("ticket", id)
	}
	if err != nil {
		return nil, domain.NewDependencyError("load ticket", true, err)
	}
	return ticket, nil
}

// List 返回当前环境全部未删除工单，最新的在前
func (s *TicketService) List(ctx context.Context) ([]domain.Ticket, error) {
	tickets, err := s.tickets.ListTickets(ctx, s.cfg.EnvID)
	if err != nil {
		return nil, domain.NewDependencyError("list tickets", true, err)
	}
	return tickets, nil
}

// Filter 按查询参数筛选当前环境的工单
func (s *TicketService) Filter(ctx context.Context, query map[string]string) ([]domain.Ticket, error) {
	filter, err := ParseTicketFilter(query)
	if err != nil {
		return nil, err
	}
	filter.EnvID = s.cfg.EnvID

	tickets, err := s.tickets.FilterTickets(ctx, filter)
	if err != nil {
		return nil, domain.NewDependencyError("filter tickets", true, err)
	}
	return tickets, nil
}

// ParseTicketFilter 把扁平的查询参数转换为筛选条件。
//
// search 非空时只做搜索：纯数字同时匹配工单号（相等或前缀）和主题，否则只匹配主题。
// 其余参数（condition 除外）都是字段等值条件，condition=AND 时全部满足，否则满足任意一个。
func ParseTicketFilter(query map[string]string) (storage.TicketFilter, error) {
	filter := storage.TicketFilter{}

	if search := strings.TrimSpace(query[filterSearch]); search != "" {
		filter.Search = search
		if n, err := strconv.ParseInt(search, 10, 64); err == nil {
			filter.SearchNumber = &n
		}
		return filter, nil
	}

	keys := make([]string, 0, len(query))
	for key := range query {
		if key == filterCondition || key == filterSearch {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field, ok := domain.TicketFilterable[key]
		if !ok {
			return storage.TicketFilter{}, domain.NewValidationError(key, "unknown filter field")
		}
		value, err := convertFilterValue(field.Kind, query[key])
		if err != nil {
			return storage.TicketFilter{}, domain.NewValidationError(key, err.Error())
		}
		filter.Predicates = append(filter.Predicates, storage.Predicate{
			Field:  key,
			Column: field.Column,
			Value:  value,
		})
	}
	filter.MatchAll = strings.EqualFold(query[filterCondition], "AND")
	return filter, nil
}

func convertFilterValue(kind domain.FieldKind, raw string) (interface{}, error) {
	switch kind {
	case domain.KindNumber:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return n, nil
	case domain.KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	default:
		return raw, nil
	}
}

// ========== Ticket Email ==========

// EmailByThread 获取工单指定会话位置的邮件
func (s *TicketService) EmailByThread(ctx context.Context, ticketID string, thread int) (*domain.TicketEmail, error) {
	if thread < 1 {
		return nil, domain.NewValidationError("thread", "thread starts at 1")
	}
	email, err := s.emails.FindEmailByThread(ctx, ticketID, thread)
	return email, s.emailErr(err, "ticket email", fmt.Sprintf("%s#%d", ticketID, thread))
}

// DraftByType 获取工单指定类型的草稿
func (s *TicketService) DraftByType(ctx context.Context, ticketID, emailType string) (*domain.TicketEmail, error) {
	typ, err := domain.ParseTicketEmailType(emailType)
	if err != nil {
		return nil, err
	}
	email, err := s.emails.FindDraftByType(ctx, ticketID, typ)
	return email, s.emailErr(err, "draft ticket email", ticketID+"/"+emailType)
}

// DraftByID 按 ID 获取草稿
func (s *TicketService) DraftByID(ctx context.Context, id string) (*domain.TicketEmail, error) {
	email, err := s.emails.FindDraftByID(ctx, id)
	return email, s.emailErr(err, "draft ticket email", id)
}

// Threads 返回工单全部邮件，thread 倒序
func (s *TicketService) Threads(ctx context.Context, ticketID string) ([]domain.TicketEmail, error) {
	emails, err := s.emails.ListEmailsByTicket(ctx, ticketID)
	if err != nil {
		return nil, domain.NewDependencyError("list ticket emails", true, err)
	}
	return emails, nil
}

func (s *TicketService) emailErr(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewNotFoundError(resource, id)
	}
	return domain.NewDependencyError("load "+resource, true, err)
}
