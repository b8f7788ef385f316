package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"helpdesk/backend/internal/monitoring"
)

const (
	// DefaultBodyLimit 普通 API 请求
	DefaultBodyLimit = 1 * 1024 * 1024 // 1MB
	// ReplyBodyLimit 回复/转发请求，可能携带 base64 内联图片
	ReplyBodyLimit = 10 * 1024 * 1024 // 10MB
	// UploadBodyLimit 附件上传
	UploadBodyLimit = 25 * 1024 * 1024 // 25MB
)

// BodyLimits 按路由模板（c.FullPath()）区分的请求体上限
type BodyLimits struct {
	Default int64
	Routes  map[string]int64
}

// HelpdeskBodyLimits 工单接口使用的上限：回复和附件上传放宽，其余 1MB
func HelpdeskBodyLimits() BodyLimits {
	return BodyLimits{
		Default: DefaultBodyLimit,
		Routes: map[string]int64{
			"/ticket/reply-ticket": ReplyBodyLimit,
			"/attachment/upload":   UploadBodyLimit,
		},
	}
}

// For 返回路由对应的上限
func (l BodyLimits) For(route string) int64 {
	if limit, ok := l.Routes[route]; ok {
		return limit
	}
	return l.Default
}

// BodyLimit 限制请求体大小。
//
// 声明的 Content-Length 超限直接返回 413；未声明长度的请求由 MaxBytesReader 在读取时截断，
// 处理函数读到 *http.MaxBytesError 后同样映射为 413。
func BodyLimit(limits BodyLimits, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := limits.For(c.FullPath())

		if c.Request.ContentLength > limit {
			metrics.RecordError("body_too_large", "http")
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"message": fmt.Sprintf("request body exceeds maximum size of %d bytes", limit),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Header("X-Max-Body-Size", strconv.FormatInt(limit, 10))
		c.Next()
	}
}
