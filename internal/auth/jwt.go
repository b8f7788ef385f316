package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helpdesk/backend/internal/auth/jwt"
	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
)

// ErrRevokedToken 令牌已注销
var ErrRevokedToken = errors.New("token revoked")

// Revoker 令牌吊销列表，Redis 缓存或进程内列表都实现了它
type Revoker interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// TokenService 签发、校验和注销访问令牌
type TokenService struct {
	manager *jwt.Manager
	revoked Revoker
	now     func() time.Time
}

// NewTokenService 创建令牌服务，revoked 为 nil 时注销不生效
func NewTokenService(cfg config.JWTConfig, revoked Revoker) *TokenService {
	return &TokenService{
		manager: jwt.NewManager(cfg.Secret, cfg.Issuer, cfg.AccessExpiry),
		revoked: revoked,
		now:     time.Now,
	}
}

// Issue 为用户签发令牌
func (t *TokenService) Issue(user *domain.User) (string, time.Time, error) {
	return t.manager.Generate(user.ID, user.Email, user.FullName())
}

// Expiry 返回令牌有效期
func (t *TokenService) Expiry() time.Duration {
	return t.manager.Expiry()
}

// Authenticate 校验令牌签名、有效期和吊销状态
func (t *TokenService) Authenticate(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := t.manager.Validate(token)
	if err != nil {
		return nil, err
	}
	if t.revoked == nil {
		return claims, nil
	}
	revoked, err := t.revoked.IsRevoked(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// Revoke 注销令牌直到其自然过期；无效令牌直接忽略
func (t *TokenService) Revoke(ctx context.Context, token string) error {
	if t.revoked == nil || token == "" {
		return nil
	}
	claims, err := t.manager.Validate(token)
	if err != nil {
		return nil
	}
	return t.revoked.Revoke(ctx, token, claims.Remaining(t.now()))
}
