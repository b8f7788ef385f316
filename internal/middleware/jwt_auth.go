package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
)

const (
	contextUserKey  = "user"
	contextTokenKey = "token"
)

// Authenticator 校验令牌并返回当前用户
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// JWTAuth JWT认证中间件
type JWTAuth struct {
	auth       Authenticator
	cookieName string
	log        *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(auth Authenticator, cookieName string, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	if cookieName == "" {
		cookieName = "access_token"
	}
	return &JWTAuth{
		auth:       auth,
		cookieName: cookieName,
		log:        log,
	}
}

// CookieName 令牌 cookie 名称
func (ja *JWTAuth) CookieName() string {
	return ja.cookieName
}

// RequireAuth 要求JWT认证
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ja.ExtractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "authentication required",
			})
			return
		}

		user, err := ja.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			ja.log.Warn("Invalid token",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "invalid or expired token",
			})
			return
		}

		// 将用户信息存储到上下文
		c.Set(contextUserKey, user)
		c.Set(contextTokenKey, token)
		c.Next()
	}
}

// ExtractToken 依次从 Authorization 头、cookie 和 token 查询参数（websocket）中提取令牌
func (ja *JWTAuth) ExtractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if token, err := c.Cookie(ja.cookieName); err == nil && token != "" {
		return token
	}

	return c.Query("token")
}

// CurrentUser 返回 RequireAuth 写入的当前用户
func CurrentUser(c *gin.Context) (*domain.User, bool) {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*domain.User)
	return user, ok && user != nil
}

// CurrentToken 返回当前请求使用的令牌
func CurrentToken(c *gin.Context) string {
	return c.GetString(contextTokenKey)
}
