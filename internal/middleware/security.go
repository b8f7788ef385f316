package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
)

const (
	// RequestIDHeader 请求 ID 头，客户端传入时沿用
	RequestIDHeader = "X-Request-ID"

	contextRequestIDKey = "request_id"
)

// apiCSP 接口和附件下载都不需要加载任何资源；附件可能是发件人上传的 HTML
const apiCSP = "default-src 'none'; frame-ancestors 'none'; sandbox"

// SecurityHeaders 添加安全响应头，skipCSP 中的路径前缀（如 swagger 页面）不加 CSP
func SecurityHeaders(skipCSP ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		path := c.Request.URL.Path
		csp := true
		for _, prefix := range skipCSP {
			if strings.HasPrefix(path, prefix) {
				csp = false
				break
			}
		}
		if csp {
			c.Header("Content-Security-Policy", apiCSP)
		}
		c.Next()
	}
}

// RequestID 为每个请求分配 ID，写入响应头并附加到请求日志
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = domain.NewShortID()
		}
		c.Set(contextRequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// CurrentRequestID 返回 RequestID 中间件分配的 ID
func CurrentRequestID(c *gin.Context) string {
	return c.GetString(contextRequestIDKey)
}

// RequestLogger 请求日志中间件
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "http"))

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if id := CurrentRequestID(c); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		// 查询参数可能带 token，不记录
		if user, ok := CurrentUser(c); ok {
			fields = append(fields, zap.String("user", user.Email))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("Server error", fields...)
		case status >= 400:
			log.Warn("Client error", fields...)
		default:
			log.Info("Request", fields...)
		}
	}
}

// Timeout 为请求上下文设置超时，处理函数应在 ctx 结束后尽快返回
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if ctx.Err() != nil && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{
				"success": false,
				"message": "request timeout",
			})
		}
	}
}
