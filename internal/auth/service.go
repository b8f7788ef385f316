package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/storage"
)

var (
	// ErrInvalidCredentials 凭证无效
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserInactive 用户已被禁用
	ErrUserInactive = errors.New("user is inactive")
	// ErrForbidden 没有权限执行该操作
	ErrForbidden = errors.New("forbidden")
)

// Mailer 发送账户相关邮件
type Mailer interface {
	Send(ctx context.Context, mail *mailer.OutboundMail) error
}

// Service 操作员账户服务
type Service struct {
	users  storage.UserRepository
	tokens *TokenService
	mail   Mailer
	log    *zap.Logger
}

// NewService 创建账户服务，mail 为 nil 时不发送账户邮件
func NewService(users storage.UserRepository, tokens *TokenService, mail Mailer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		users:  users,
		tokens: tokens,
		mail:   mail,
		log:    log.With(zap.String("component", "auth")),
	}
}

// CreateUserInput 新建操作员
type CreateUserInput struct {
	FirstName string          `json:"firstName"`
	LastName  string          `json:"lastName"`
	Email     string          `json:"email"`
	Role      domain.UserRole `json:"role"`
}

// LoginResult 登录结果
type LoginResult struct {
	User      *domain.User `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// ========== 账户 ==========

// CreateUser 创建操作员，生成随机密码并通过邮件发送。
//
// 只有管理员可以创建账户。邮件发送失败不回滚，管理员可以再重置密码。
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput, actor *domain.User) (*domain.User, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	password := GeneratePassword()
	user, err := s.CreateWithPassword(ctx, input, password, actor.Email)
	if err != nil {
		return nil, err
	}

	s.send(ctx, user, mailer.TemplateNewUser, "Your helpdesk account", map[string]string{
		"name":     user.FullName(),
		"email":    user.Email,
		"password": password,
	})
	return user, nil
}

// CreateWithPassword 使用指定密码创建账户，供命令行工具创建管理员
func (s *Service) CreateWithPassword(ctx context.Context, input CreateUserInput, password, createdBy string) (*domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	candidate := domain.User{FirstName: input.FirstName, LastName: input.LastName, Email: email}
	if err := candidate.Validate(); err != nil {
		field := "email"
		if errors.Is(err, domain.ErrNameRequired) {
			field = "firstName"
		}
		return nil, domain.NewValidationError(field, err.Error())
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	role := input.Role
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return nil, domain.NewValidationError("role", fmt.Sprintf("unknown role %q", role))
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:           domain.NewID(),
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		Role:         role,
		Audit:        domain.Audit{CreatedBy: createdBy, UpdatedBy: createdBy},
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, domain.NewValidationError("email", "user already exists")
		}
		return nil, domain.NewDependencyError("create user", false, err)
	}

	s.log.Info("User created", zap.String("email", user.Email), zap.String("role", string(user.Role)))
	return user, nil
}

// EnsureAdmin 系统中还没有任何用户时创建首个管理员，已有用户或未配置邮箱时什么都不做
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (*domain.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, nil
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, domain.NewDependencyError("list users", true, err)
	}
	if len(users) > 0 {
		return nil, nil
	}

	user, err := s.CreateWithPassword(ctx, CreateUserInput{
		FirstName: "Admin",
		Email:     email,
		Role:      domain.RoleAdmin,
	}, password, domain.DefaultActor)
	if err != nil {
		return nil, err
	}
	s.log.Info("Initial admin created", zap.String("email", user.Email))
	return user, nil
}

// Login 邮箱密码登录，返回访问令牌
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !CheckPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrUserInactive
	}

	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

// Authenticate 校验令牌并加载当前用户
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.tokens.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrUserInactive
	}
	return user, nil
}

// Logout 注销令牌
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.tokens.Revoke(ctx, token); err != nil {
		return domain.NewDependencyError("revoke token", true, err)
	}
	return nil
}

// GetUser 根据 ID 获取用户
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, translate(err, "user", id)
	}
	return user, nil
}

// ListUsers 返回全部用户
func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, domain.NewDependencyError("list users", true, err)
	}
	return users, nil
}

// UpdateUser 更新用户资料。
//
// 本人可以修改姓名；角色和启用状态只有管理员可以修改。
func (s *Service) UpdateUser(ctx context.Context, email string, patch domain.UserPatch, actor *domain.User) (*domain.User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, translate(err, "user", email)
	}
	if !actor.IsAdmin() && (actor.ID != user.ID || patch.Role != nil || patch.Active != nil) {
		return nil, ErrForbidden
	}
	if patch.Role != nil && *patch.Role != domain.RoleUser && *patch.Role != domain.RoleAdmin {
		return nil, domain.NewValidationError("role", fmt.Sprintf("unknown role %q", *patch.Role))
	}
	if patch.FirstName != nil && strings.TrimSpace(*patch.FirstName) == "" {
		return nil, domain.NewValidationError("firstName", "first name is required")
	}

	patch.Apply(user)
	user.UpdatedBy = actor.Email
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, translate(err, "user", email)
	}
	return user, nil
}

// DeleteUser 删除用户，管理员不能删除自己
func (s *Service) DeleteUser(ctx context.Context, email string, actor *domain.User) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	if strings.EqualFold(actor.Email, email) {
		return domain.NewValidationError("email", "cannot delete the current user")
	}
	if err := s.users.DeleteUser(ctx, email); err != nil {
		return translate(err, "user", email)
	}
	s.log.Info("User deleted", zap.String("email", email), zap.String("by", actor.Email))
	return nil
}

// ========== 密码 ==========

// ChangePassword 修改本人密码，成功后发送通知邮件
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return translate(err, "user", userID)
	}
	if !CheckPassword(oldPassword, user.PasswordHash) {
		return domain.NewValidationError("oldPassword", "invalid old password")
	}
	if err := s.setPassword(ctx, user, newPassword, user.Email); err != nil {
		return err
	}

	s.send(ctx, user, mailer.TemplateChangePassword, "Your password has been changed", map[string]string{
		"name": user.FullName(),
	})
	return nil
}

// ResetPassword 重置密码并把新密码发送到用户邮箱
func (s *Service) ResetPassword(ctx context.Context, email string) error {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return translate(err, "user", email)
	}

	password := GeneratePassword()
	if err := s.setPassword(ctx, user, password, user.Email); err != nil {
		return err
	}
	if !s.send(ctx, user, mailer.TemplatePasswordReset, "Your password has been reset", map[string]string{
		"name":     user.FullName(),
		"password": password,
	}) {
		return domain.NewDependencyError("send password reset", true, errors.New("mail not delivered"))
	}
	return nil
}

// ResetPasswordByAdmin 管理员重置他人密码，新密码直接返回
func (s *Service) ResetPasswordByAdmin(ctx context.Context, email string, actor *domain.User) (string, error) {
	if !actor.IsAdmin() {
		return "", ErrForbidden
	}
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", translate(err, "user", email)
	}

	password := GeneratePassword()
	if err := s.setPassword(ctx, user, password, actor.Email); err != nil {
		return "", err
	}
	s.log.Info("Password reset by admin", zap.String("email", user.Email), zap.String("by", actor.Email))
	return password, nil
}

func (s *Service) setPassword(ctx context.Context, user *domain.User, password, updatedBy string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.PasswordHash = hash
	user.UpdatedBy = updatedBy
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return translate(err, "user", user.Email)
	}
	return nil
}

// send 发送账户邮件，返回是否成功
func (s *Service) send(ctx context.Context, user *domain.User, template, subject string, data map[string]string) bool {
	if s.mail == nil {
		return false
	}
	err := s.mail.Send(ctx, &mailer.OutboundMail{
		To:       []string{user.Email},
		Subject:  subject,
		Template: template,
		Data:     data,
	})
	if err != nil {
		s.log.Warn("Failed to send account mail",
			zap.String("template", template),
			zap.String("email", user.Email),
			zap.Error(err),
		)
		return false
	}
	return true
}

func translate(err error, resource, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewNotFoundError(resource, id)
	}
	return domain.NewDependencyError(resource, true, err)
}

// ========== 工具函数 ==========

// ValidatePassword 验证密码长度，返回 domain.ValidationError
func ValidatePassword(password string) error {
	if err := domain.ValidatePassword(password); err != nil {
		return domain.NewValidationError("password", err.Error())
	}
	return nil
}

// HashPassword 哈希密码
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword 检查密码是否匹配
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GeneratePassword 生成 10 位随机密码
func GeneratePassword() string {
	return domain.NewShortID()
}
