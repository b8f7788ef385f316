package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/storage"
)

// 支持的数据库方言
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// Store 基于 GORM 的关系型存储实现（PostgreSQL / MySQL）
type Store struct {
	db      *gorm.DB
	dialect string
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open 按驱动名称连接数据库并自动迁移表结构
func Open(driver string, cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DialectPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DialectMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	store, err := NewStoreWithDialector(dialector, driver)
	if err != nil {
		return nil, err
	}

	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例（不执行迁移）
func NewStoreWithDialector(dialector gorm.Dialector, dialect string) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		TranslateError:         true,
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&domain.Environment{},
		&domain.User{},
		&domain.Ticket{},
		&domain.TicketEmail{},
		&domain.Attachment{},
	)
	if err != nil {
		return err
	}
	return s.ensureEmailSlotIndex()
}

const emailSlotIndex = "idx_tkt_email_slot"

// emailSlotIndexSQL 邮件槽位唯一索引 (env_id, subject, is_deleted, thread, from_address)。
// is_deleted 来自嵌入的 Audit，不能用字段标签声明。
func emailSlotIndexSQL(dialect string) string {
	subject := "subject"
	if dialect == DialectMySQL {
		subject = "subject(191)"
	}
	return fmt.Sprintf("CREATE UNIQUE INDEX %s ON ticket_emails (env_id, %s, is_deleted, thread, from_address)",
		emailSlotIndex, subject)
}

func (s *Store) ensureEmailSlotIndex() error {
	if s.db.Migrator().HasIndex(&domain.TicketEmail{}, emailSlotIndex) {
		return nil
	}
	return s.db.Exec(emailSlotIndexSQL(s.dialect)).Error
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 测试数据库连接
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translate 把 GORM 错误转换为存储层哨兵错误
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrDuplicate
	}
	return err
}

// ========== Ticket Repository ==========

// CreateTicket 保存新工单，同环境同主题已存在未删除工单时返回 ErrDuplicate
func (s *Store) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	if ticket.ID == "" {
		ticket.ID = domain.NewID()
	}
	ticket.Touch(s.now())

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&domain.Ticket{}).
			Where("env_id = ? AND subject = ? AND is_deleted = ?", ticket.EnvID, ticket.Subject, false).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrDuplicate
		}
		return translate(tx.Create(ticket).Error)
	})
}

// GetTicket 根据 ID 获取未删除工单
func (s *Store) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := s.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", id, false).First(&ticket).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ticket, nil
}

// FindTicketBySubject 按关联键查找未删除工单
func (s *Store) FindTicketBySubject(ctx context.Context, envID, subject string) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := s.db.WithContext(ctx).
		Where("env_id = ? AND subject = ? AND is_deleted = ?", envID, subject, false).
		First(&ticket).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ticket, nil
}

// UpdateTicket 部分更新工单，ExpectedThreadCount 非零时追加条件
func (s *Store) UpdateTicket(ctx context.Context, id string, patch domain.TicketPatch) error {
	cols := patch.Columns()
	if len(cols) == 0 {
		_, err := s.GetTicket(ctx, id)
		return err
	}
	cols["updated_at"] = s.now()

	query := s.db.WithContext(ctx).Model(&domain.Ticket{}).Where("id = ? AND is_deleted = ?", id, false)
	if patch.ExpectedThreadCount != 0 {
		query = query.Where("thread_count = ?", patch.ExpectedThreadCount)
	}

	result := query.Updates(cols)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		// 区分记录不存在和条件未命中
		if _, err := s.GetTicket(ctx, id); err != nil {
			return err
		}
		if patch.ExpectedThreadCount != 0 {
			return storage.ErrConflict
		}
	}
	return nil
}

// CountTickets 统计环境内工单总数（包含软删除）
func (s *Store) CountTickets(ctx context.Context, envID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Ticket{}).Where("env_id = ?", envID).Count(&count).Error
	return count, err
}

// ListTickets 返回环境内未删除工单，最新的在前
func (s *Store) ListTickets(ctx context.Context, envID string) ([]domain.Ticket, error) {
	return s.FilterTickets(ctx, storage.TicketFilter{EnvID: envID})
}

// FilterTickets 按条件筛选未删除工单
func (s *Store) FilterTickets(ctx context.Context, filter storage.TicketFilter) ([]domain.Ticket, error) {
	clause, args, err := buildFilterClause(filter, s.dialect)
	if err != nil {
		return nil, err
	}

	tickets := make([]domain.Ticket, 0)
	err = s.db.WithContext(ctx).
		Where(clause, args...).
		Order("created_at DESC").
		Order("ticket_number DESC").
		Find(&tickets).Error
	return tickets, err
}

// buildFilterClause 生成筛选条件的 WHERE 子句
//
// 列名只来自 domain.TicketFilterable 白名单，值全部走占位符。
func buildFilterClause(filter storage.TicketFilter, dialect string) (string, []interface{}, error) {
	conds := []string{"is_deleted = ?"}
	args := []interface{}{false}

	if filter.EnvID != "" {
		conds = append(conds, "env_id = ?")
		args = append(args, filter.EnvID)
	}

	switch {
	case filter.Search != "":
		pattern := "%" + escapeLike(strings.ToLower(filter.Search)) + "%"
		if filter.SearchNumber == nil {
			conds = append(conds, "LOWER(subject) LIKE ?")
			args = append(args, pattern)
			break
		}
		castType := "TEXT"
		if dialect == DialectMySQL {
			castType = "CHAR"
		}
		conds = append(conds, fmt.Sprintf("(ticket_number = ? OR CAST(ticket_number AS %s) LIKE ? OR LOWER(subject) LIKE ?)", castType))
		args = append(args, *filter.SearchNumber, escapeLike(filter.Search)+"%", pattern)

	case len(filter.Predicates) > 0:
		parts := make([]string, 0, len(filter.Predicates))
		for _, p := range filter.Predicates {
			field, ok := domain.TicketFilterable[p.Field]
			if !ok {
				return "", nil, fmt.Errorf("field %q is not filterable", p.Field)
			}
			parts = append(parts, field.Column+" = ?")
			args = append(args, p.Value)
		}
		joiner := " OR "
		if filter.MatchAll {
			joiner = " AND "
		}
		conds = append(conds, "("+strings.Join(parts, joiner)+")")
	}

	return strings.Join(conds, " AND "), args, nil
}

// escapeLike 转义 LIKE 通配符
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ========== Ticket Email Repository ==========

// CreateTicketEmail 保存工单邮件
func (s *Store) CreateTicketEmail(ctx context.Context, email *domain.TicketEmail) error {
	if email.ID == "" {
		email.ID = domain.NewID()
	}
	email.SyncFromAddress()
	email.Touch(s.now())
	return translate(s.db.WithContext(ctx).Create(email).Error)
}

// GetTicketEmail 根据 ID 获取未删除邮件
func (s *Store) GetTicketEmail(ctx context.Context, id string) (*domain.TicketEmail, error) {
	return s.firstEmail(ctx, "id = ?", id)
}

// UpdateTicketEmail 原地更新邮件可变字段
func (s *Store) UpdateTicketEmail(ctx context.Context, id string, patch domain.TicketEmailPatch) error {
	var email domain.TicketEmail
	err := s.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", id, false).First(&email).Error
	if err != nil {
		return translate(err)
	}

	patch.Apply(&email)
	email.UpdatedAt = s.now()
	return translate(s.db.WithContext(ctx).Select(
		"HTML", "Text", "To", "Cc", "Bcc", "Date", "ReceivedDate", "Attachments", "Draft",
		"SenderName", "SenderEmail", "RecipientName", "RecipientEmail", "UpdatedAt",
	).Updates(&email).Error)
}

// CountEmailsBySubject 统计环境内同主题的未删除邮件
func (s *Store) CountEmailsBySubject(ctx context.Context, envID, subject string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.TicketEmail{}).
		Where("env_id = ? AND subject = ? AND is_deleted = ?", envID, subject, false).
		Count(&count).Error
	return count, err
}

// FindEmailByThread 按工单和会话位置查找邮件
func (s *Store) FindEmailByThread(ctx context.Context, ticketRef string, thread int) (*domain.TicketEmail, error) {
	return s.firstEmail(ctx, "ticket_ref = ? AND thread = ?", ticketRef, thread)
}

// FindDraftByType 查找工单指定类型的草稿
func (s *Store) FindDraftByType(ctx context.Context, ticketRef string, emailType domain.TicketEmailType) (*domain.TicketEmail, error) {
	return s.firstEmail(ctx, "ticket_ref = ? AND draft = ? AND ticket_email_type = ?", ticketRef, true, emailType)
}

// FindDraftByID 按 ID 查找草稿
func (s *Store) FindDraftByID(ctx context.Context, id string) (*domain.TicketEmail, error) {
	return s.firstEmail(ctx, "id = ? AND draft = ?", id, true)
}

// FindEmailByMessageID 按 Message-ID 查找邮件
func (s *Store) FindEmailByMessageID(ctx context.Context, envID, messageID string) (*domain.TicketEmail, error) {
	if messageID == "" {
		return nil, storage.ErrNotFound
	}
	return s.firstEmail(ctx, "env_id = ? AND message_id = ?", envID, messageID)
}

// ListEmailsByTicket 返回工单全部未删除邮件，thread 倒序
func (s *Store) ListEmailsByTicket(ctx context.Context, ticketRef string) ([]domain.TicketEmail, error) {
	emails := make([]domain.TicketEmail, 0)
	err := s.db.WithContext(ctx).
		Where("ticket_ref = ? AND is_deleted = ?", ticketRef, false).
		Order("thread DESC").
		Find(&emails).Error
	return emails, err
}

func (s *Store) firstEmail(ctx context.Context, query string, args ...interface{}) (*domain.TicketEmail, error) {
	var email domain.TicketEmail
	err := s.db.WithContext(ctx).
		Where(query, args...).
		Where("is_deleted = ?", false).
		First(&email).Error
	if err != nil {
		return nil, translate(err)
	}
	return &email, nil
}

// ========== Attachment Repository ==========

// CreateAttachment 保存附件元数据
func (s *Store) CreateAttachment(ctx context.Context, attachment *domain.Attachment) error {
	if attachment.ID == "" {
		attachment.ID = domain.NewID()
	}
	attachment.Touch(s.now())
	return translate(s.db.WithContext(ctx).Create(attachment).Error)
}

// GetAttachment 根据 ID 获取附件
func (s *Store) GetAttachment(ctx context.Context, id string) (*domain.Attachment, error) {
	var attachment domain.Attachment
	err := s.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", id, false).First(&attachment).Error
	if err != nil {
		return nil, translate(err)
	}
	return &attachment, nil
}

// ExistingContentIDs 返回环境内已存储的 Content-ID 及其最早一份附件的 ID
func (s *Store) ExistingContentIDs(ctx context.Context, envID string, contentIDs []string) (map[string]string, error) {
	wanted := make([]string, 0, len(contentIDs))
	for _, id := range contentIDs {
		if id != "" {
			wanted = append(wanted, id)
		}
	}
	found := make(map[string]string)
	if len(wanted) == 0 {
		return found, nil
	}

	var rows []struct {
		ID        string
		ContentID string
	}
	err := s.db.WithContext(ctx).Model(&domain.Attachment{}).
		Select("id", "content_id").
		Where("env_id = ? AND is_deleted = ? AND content_id IN ?", envID, false, wanted).
		Order("created_at, id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if _, ok := found[r.ContentID]; !ok {
			found[r.ContentID] = r.ID
		}
	}
	return found, nil
}

// ========== User Repository ==========

// CreateUser 保存用户
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = domain.NewID()
	}
	user.Email = strings.ToLower(user.Email)
	user.Touch(s.now())
	return translate(s.db.WithContext(ctx).Create(user).Error)
}

// GetUserByID 根据 ID 获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", id, false).First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// GetUserByEmail 根据邮箱获取用户
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).
		Where("email = ? AND is_deleted = ?", strings.ToLower(email), false).
		First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// UpdateUser 更新用户
func (s *Store) UpdateUser(ctx context.Context, user *domain.User) error {
	user.UpdatedAt = s.now()
	result := s.db.WithContext(ctx).Model(user).Select("*").Omit("CreatedAt", "CreatedBy").Updates(user)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUsers 返回全部未删除用户
func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	users := make([]domain.User, 0)
	err := s.db.WithContext(ctx).Where("is_deleted = ?", false).Order("email").Find(&users).Error
	return users, err
}

// DeleteUser 按邮箱删除用户
func (s *Store) DeleteUser(ctx context.Context, email string) error {
	result := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).Delete(&domain.User{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ========== Environment Repository ==========

// SaveEnvironment 新建或覆盖环境
func (s *Store) SaveEnvironment(ctx context.Context, env *domain.Environment) error {
	env.Touch(s.now())
	return s.db.WithContext(ctx).Save(env).Error
}

// GetEnvironment 获取环境
func (s *Store) GetEnvironment(ctx context.Context, envID string) (*domain.Environment, error) {
	var env domain.Environment
	err := s.db.WithContext(ctx).Where("env_id = ? AND is_deleted = ?", envID, false).First(&env).Error
	if err != nil {
		return nil, translate(err)
	}
	return &env, nil
}
