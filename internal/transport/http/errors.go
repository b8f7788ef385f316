package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"helpdesk/backend/internal/auth"
	jwtpkg "helpdesk/backend/internal/auth/jwt"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/security"
	"helpdesk/backend/internal/service"
)

// 通用错误消息
const (
	MsgInvalidRequest     = "invalid request body"
	MsgInvalidCredentials = "invalid email or password"
	MsgUserInactive       = "user is inactive"
	MsgTokenInvalid       = "invalid or expired token"
	MsgPermissionDenied   = "permission denied"
	MsgFileRequired       = "file is required"
	MsgFileTooLarge       = "request body too large"
	MsgConflict           = "the resource was modified concurrently, please retry"
	MsgInternalError      = "internal server error, please try again later"
	MsgServiceUnavailable = "a dependency is temporarily unavailable, please retry"
)

// statusFor 把业务错误映射为 HTTP 状态码和对外消息
func statusFor(err error) (int, string) {
	var (
		validation *domain.ValidationError
		notFound   *domain.NotFoundError
		rejection  *security.Rejection
		dependency *domain.DependencyError
		tooLarge   *http.MaxBytesError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.As(err, &rejection):
		return http.StatusBadRequest, rejection.Error()
	case errors.Is(err, service.ErrNoContent):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, MsgFileTooLarge
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, MsgInvalidCredentials
	case errors.Is(err, auth.ErrUserInactive):
		return http.StatusUnauthorized, MsgUserInactive
	case errors.Is(err, jwtpkg.ErrInvalidToken), errors.Is(err, jwtpkg.ErrExpiredToken), errors.Is(err, auth.ErrRevokedToken):
		return http.StatusUnauthorized, MsgTokenInvalid
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, MsgPermissionDenied
	case errors.Is(err, domain.ErrConsistency):
		return http.StatusConflict, MsgConflict
	case errors.As(err, &dependency) && dependency.Retryable:
		return http.StatusServiceUnavailable, MsgServiceUnavailable
	}
	return http.StatusInternalServerError, MsgInternalError
}

// HandleError 写出错误响应，5xx 记录错误日志
func HandleError(c *gin.Context, log *zap.Logger, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	Error(c, status, msg)
}
