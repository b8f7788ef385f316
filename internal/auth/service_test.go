package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helpdesk/backend/internal/cache"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/storage/memory"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []*mailer.OutboundMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, mail *mailer.OutboundMail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, mail)
	return nil
}

func (m *fakeMailer) Sent() []*mailer.OutboundMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mailer.OutboundMail(nil), m.sent...)
}

type authFixture struct {
	svc   *Service
	store *memory.Store
	mail  *fakeMailer
	admin *domain.User
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	store := memory.NewStore()
	mail := &fakeMailer{}
	svc := NewService(store, NewTokenService(testJWTConfig(), nil), mail, zap.NewNop())

	admin, err := svc.CreateWithPassword(context.Background(), CreateUserInput{
		FirstName: "Root", LastName: "Admin", Email: "root@y.com", Role: domain.RoleAdmin,
	}, "admin-password", domain.DefaultActor)
	require.NoError(t, err)
	return &authFixture{svc: svc, store: store, mail: mail, admin: admin}
}

func TestService_CreateUser(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	user, err := f.svc.CreateUser(ctx, CreateUserInput{FirstName: "Alice", LastName: "Agent", Email: " Alice@Y.com "}, f.admin)
	require.NoError(t, err)
	assert.Equal(t, "alice@y.com", user.Email)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.True(t, user.Active)
	assert.Equal(t, "root@y.com", user.CreatedBy)

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mailer.TemplateNewUser, sent[0].Template)
	assert.Equal(t, []string{"alice@y.com"}, sent[0].To)
	assert.Equal(t, "Alice Agent", sent[0].Data["name"])

	// 邮件中的密码可以登录
	result, err := f.svc.Login(ctx, "alice@y.com", sent[0].Data["password"])
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.User.ID)
	assert.NotEmpty(t, result.Token)

	t.Run("重复邮箱", func(t *testing.T) {
		_, err := f.svc.CreateUser(ctx, CreateUserInput{FirstName: "A", Email: "alice@y.com"}, f.admin)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("校验", func(t *testing.T) {
		_, err := f.svc.CreateUser(ctx, CreateUserInput{FirstName: "A", Email: "nope"}, f.admin)
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = f.svc.CreateUser(ctx, CreateUserInput{Email: "b@y.com"}, f.admin)
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = f.svc.CreateUser(ctx, CreateUserInput{FirstName: "A", Email: "c@y.com", Role: "Owner"}, f.admin)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("非管理员不能创建", func(t *testing.T) {
		_, err := f.svc.CreateUser(ctx, CreateUserInput{FirstName: "B", Email: "b@y.com"}, user)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("邮件失败不影响创建", func(t *testing.T) {
		f.mail.err = assert.AnError
		defer func() { f.mail.err = nil }()
		_, err := f.svc.CreateUser(ctx, CreateUserInput{FirstName: "D", Email: "d@y.com"}, f.admin)
		assert.NoError(t, err)
	})
}

func TestService_Login(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	result, err := f.svc.Login(ctx, "ROOT@y.com", "admin-password")
	require.NoError(t, err)

	user, err := f.svc.Authenticate(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, f.admin.ID, user.ID)

	_, err = f.svc.Login(ctx, "root@y.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "ghost@y.com", "admin-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	t.Run("禁用用户", func(t *testing.T) {
		inactive, err := f.svc.CreateWithPassword(ctx, CreateUserInput{FirstName: "Off", Email: "off@y.com"}, "password-1", "test")
		require.NoError(t, err)
		token, _, err := f.svc.tokens.Issue(inactive)
		require.NoError(t, err)

		active := false
		_, err = f.svc.UpdateUser(ctx, "off@y.com", domain.UserPatch{Active: &active}, f.admin)
		require.NoError(t, err)

		_, err = f.svc.Login(ctx, "off@y.com", "password-1")
		assert.ErrorIs(t, err, ErrUserInactive)
		_, err = f.svc.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrUserInactive)
	})
}

func TestService_Logout(t *testing.T) {
	store := memory.NewStore()
	revoked := cache.NewRevocationList(time.Minute)
	defer revoked.Close()
	svc := NewService(store, NewTokenService(testJWTConfig(), revoked), nil, nil)
	ctx := context.Background()

	_, err := svc.CreateWithPassword(ctx, CreateUserInput{FirstName: "Alice", Email: "alice@y.com"}, "password-1", "test")
	require.NoError(t, err)
	result, err := svc.Login(ctx, "alice@y.com", "password-1")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, result.Token))
	_, err = svc.Authenticate(ctx, result.Token)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestService_ChangePassword(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	err := f.svc.ChangePassword(ctx, f.admin.ID, "wrong", "new-password")
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = f.svc.ChangePassword(ctx, f.admin.ID, "admin-password", "short")
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.svc.ChangePassword(ctx, f.admin.ID, "admin-password", "new-password"))
	_, err = f.svc.Login(ctx, "root@y.com", "new-password")
	assert.NoError(t, err)

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mailer.TemplateChangePassword, sent[0].Template)

	err = f.svc.ChangePassword(ctx, "missing", "a", "new-password")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ResetPassword(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	t.Run("本人重置，新密码通过邮件发送", func(t *testing.T) {
		require.NoError(t, f.svc.ResetPassword(ctx, "root@y.com"))
		sent := f.mail.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, mailer.TemplatePasswordReset, sent[0].Template)

		_, err := f.svc.Login(ctx, "root@y.com", sent[0].Data["password"])
		assert.NoError(t, err)
		_, err = f.svc.Login(ctx, "root@y.com", "admin-password")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("邮件失败返回依赖错误", func(t *testing.T) {
		f.mail.err = assert.AnError
		defer func() { f.mail.err = nil }()
		err := f.svc.ResetPassword(ctx, "root@y.com")
		assert.ErrorIs(t, err, domain.ErrDependency)
	})

	t.Run("用户不存在", func(t *testing.T) {
		assert.ErrorIs(t, f.svc.ResetPassword(ctx, "ghost@y.com"), domain.ErrNotFound)
	})

	t.Run("管理员重置", func(t *testing.T) {
		_, err := f.svc.CreateWithPassword(ctx, CreateUserInput{FirstName: "Bob", Email: "bob@y.com"}, "password-1", "test")
		require.NoError(t, err)

		password, err := f.svc.ResetPasswordByAdmin(ctx, "bob@y.com", f.admin)
		require.NoError(t, err)
		assert.Len(t, password, 10)
		_, err = f.svc.Login(ctx, "bob@y.com", password)
		assert.NoError(t, err)

		bob, err := f.store.GetUserByEmail(ctx, "bob@y.com")
		require.NoError(t, err)
		assert.Equal(t, "root@y.com", bob.UpdatedBy)

		_, err = f.svc.ResetPasswordByAdmin(ctx, "root@y.com", bob)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestService_UpdateAndDelete(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	bob, err := f.svc.CreateWithPassword(ctx, CreateUserInput{FirstName: "Bob", Email: "bob@y.com"}, "password-1", "test")
	require.NoError(t, err)

	name := "Robert"
	updated, err := f.svc.UpdateUser(ctx, "bob@y.com", domain.UserPatch{FirstName: &name}, bob)
	require.NoError(t, err)
	assert.Equal(t, "Robert", updated.FirstName)
	assert.Equal(t, "bob@y.com", updated.UpdatedBy)

	admin := domain.RoleAdmin
	_, err = f.svc.UpdateUser(ctx, "bob@y.com", domain.UserPatch{Role: &admin}, bob)
	assert.ErrorIs(t, err, ErrForbidden, "users cannot promote themselves")

	_, err = f.svc.UpdateUser(ctx, "root@y.com", domain.UserPatch{FirstName: &name}, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	empty := " "
	_, err = f.svc.UpdateUser(ctx, "bob@y.com", domain.UserPatch{FirstName: &empty}, f.admin)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.UpdateUser(ctx, "ghost@y.com", domain.UserPatch{FirstName: &name}, f.admin)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	users, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	assert.ErrorIs(t, f.svc.DeleteUser(ctx, "root@y.com", bob), ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteUser(ctx, "root@y.com", f.admin), domain.ErrValidation)
	require.NoError(t, f.svc.DeleteUser(ctx, "bob@y.com", f.admin))
	assert.ErrorIs(t, f.svc.DeleteUser(ctx, "bob@y.com", f.admin), domain.ErrNotFound)

	_, err = f.svc.GetUser(ctx, bob.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_EnsureAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("空库创建管理员", func(t *testing.T) {
		svc := NewService(memory.NewStore(), NewTokenService(testJWTConfig(), nil), nil, zap.NewNop())
		user, err := svc.EnsureAdmin(ctx, "Boss@Y.com", "boss-password")
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, "boss@y.com", user.Email)
		assert.Equal(t, domain.RoleAdmin, user.Role)

		_, err = svc.Login(ctx, "boss@y.com", "boss-password")
		assert.NoError(t, err)
	})

	t.Run("已有用户不创建", func(t *testing.T) {
		f := newAuthFixture(t)
		user, err := f.svc.EnsureAdmin(ctx, "boss@y.com", "boss-password")
		require.NoError(t, err)
		assert.Nil(t, user)
	})

	t.Run("未配置邮箱", func(t *testing.T) {
		svc := NewService(memory.NewStore(), NewTokenService(testJWTConfig(), nil), nil, zap.NewNop())
		user, err := svc.EnsureAdmin(ctx, "", "")
		require.NoError(t, err)
		assert.Nil(t, user)
	})

	t.Run("密码太短", func(t *testing.T) {
		svc := NewService(memory.NewStore(), NewTokenService(testJWTConfig(), nil), nil, zap.NewNop())
		_, err := svc.EnsureAdmin(ctx, "boss@y.com", "short")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}
