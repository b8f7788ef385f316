package storage

import (
	"context"
	"errors"

	"helpdesk/backend/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 违反唯一约束
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict 条件更新未命中（并发修改）
	ErrConflict = errors.New("conditional update conflict")
)

// TicketRepository 定义工单数据存取操作。所有读取默认排除软删除记录。
type TicketRepository interface {
	CreateTicket(ctx context.Context, ticket *domain.Ticket) error
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
	FindTicketBySubject(ctx context.Context, envID, subject string) (*domain.Ticket, error)
	// UpdateTicket 部分更新；patch.ExpectedThreadCount 非零时为条件更新，未命中返回 ErrConflict
	UpdateTicket(ctx context.Context, id string, patch domain.TicketPatch) error
	// CountTickets 统计环境内全部工单（包含软删除），用于分配工单号
	CountTickets(ctx context.Context, envID string) (int64, error)
	ListTickets(ctx context.Context, envID string) ([]domain.Ticket, error)
	FilterTickets(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
}

// TicketEmailRepository 定义工单邮件数据存取操作。
type TicketEmailRepository interface {
	CreateTicketEmail(ctx context.Context, email *domain.TicketEmail) error
	GetTicketEmail(ctx context.Context, id string) (*domain.TicketEmail, error)
	UpdateTicketEmail(ctx context.Context, id string, patch domain.TicketEmailPatch) error
	CountEmailsBySubject(ctx context.Context, envID, subject string) (int64, error)
	FindEmailByThread(ctx context.Context, ticketRef string, thread int) (*domain.TicketEmail, error)
	FindDraftByType(ctx context.Context, ticketRef string, emailType domain.TicketEmailType) (*domain.TicketEmail, error)
	FindDraftByID(ctx context.Context, id string) (*domain.TicketEmail, error)
	// FindEmailByMessageID 按 Message-ID 查找环境内已入库的邮件，用于识别重复投递
	FindEmailByMessageID(ctx context.Context, envID, messageID string) (*domain.TicketEmail, error)
	// ListEmailsByTicket 按 thread 倒序返回
	ListEmailsByTicket(ctx context.Context, ticketRef string) ([]domain.TicketEmail, error)
}

// AttachmentRepository 定义附件元数据存取操作。
type AttachmentRepository interface {
	CreateAttachment(ctx context.Context, attachment *domain.Attachment) error
	GetAttachment(ctx context.Context, id string) (*domain.Attachment, error)
	// ExistingContentIDs 返回给定 Content-ID 中已在环境内存储的部分，值为最早一份附件的 ID
	ExistingContentIDs(ctx context.Context, envID string, contentIDs []string) (map[string]string, error)
}

// UserRepository 定义操作员账户存取操作。
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	ListUsers(ctx context.Context) ([]domain.User, error)
	DeleteUser(ctx context.Context, email string) error
}

// EnvironmentRepository 定义环境存取操作。
type EnvironmentRepository interface {
	SaveEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironment(ctx context.Context, envID string) (*domain.Environment, error)
}

// Store 聚合全部仓储接口。
type Store interface {
	TicketRepository
	TicketEmailRepository
	AttachmentRepository
	UserRepository
	EnvironmentRepository
}
