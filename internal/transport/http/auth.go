package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"helpdesk/backend/internal/auth"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/middleware"
)

// AuthHandler 处理操作员账户相关的 HTTP 请求
type AuthHandler struct {
	authService  *auth.Service       // 账户业务服务
	jwtAuth      *middleware.JWTAuth // 令牌提取（注销时使用）
	secureCookie bool                // cookie 是否只通过 HTTPS 发送
	log          *zap.Logger         // 结构化日志记录器
}

// NewAuthHandler 创建认证处理器
//
// 参数:
//   - authService: 账户业务服务
//   - jwtAuth: JWT 中间件，提供 cookie 名称和令牌提取
//   - secureCookie: 登录 cookie 是否带 Secure 标记
//   - log: 日志记录器
func NewAuthHandler(authService *auth.Service, jwtAuth *middleware.JWTAuth, secureCookie bool, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{
		authService:  authService,
		jwtAuth:      jwtAuth,
		secureCookie: secureCookie,
		log:          log.With(zap.String("component", "auth_handler")),
	}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

type emailRequest struct {
	Email string `json:"email" binding:"required"`
}

// Login 邮箱密码登录
// @Summary 登录
// @Description 校验邮箱密码，返回访问令牌并写入 cookie
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body loginRequest true "登录信息"
// @Success 200 {object} Response "登录成功"
// @Failure 401 {object} Response "凭证无效"
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		HandleError(c, h.log, err)
		return
	}

	maxAge := int(time.Until(result.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.jwtAuth.CookieName(), result.Token, maxAge, "/", "", h.secureCookie, true)

	h.log.Info("User logged in", zap.String("email", result.User.Email))
	SuccessWithMsg(c, "login successful", result)
}

// Logout 注销当前令牌并清除 cookie
// @Summary 注销
// @Tags 认证
// @Produce json
// @Success 200 {object} Response "注销成功"
// @Router /auth/logout [get]
func (h *AuthHandler) Logout(c *gin.Context) {
	if token := h.jwtAuth.ExtractToken(c); token != "" {
		if err := h.authService.Logout(c.Request.Context(), token); err != nil {
			HandleError(c, h.log, err)
			return
		}
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.jwtAuth.CookieName(), "", -1, "/", "", h.secureCookie, true)
	SuccessWithMsg(c, "logged out", nil)
}

// CreateUser 管理员创建操作员，随机密码通过邮件发送
// @Summary 创建操作员
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body auth.CreateUserInput true "用户信息"
// @Success 201 {object} Response "创建成功"
// @Failure 403 {object} Response "权限不足"
// @Router /auth/create [post]
// @Security BearerAuth
func (h *AuthHandler) CreateUser(c *gin.Context) {
	var req auth.CreateUserInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	user, err := h.authService.CreateUser(c.Request.Context(), req, mustUser(c))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Created(c, "user created", user)
}

// CurrentUser 返回当前登录用户
// @Summary 当前用户
// @Tags 认证
// @Produce json
// @Success 200 {object} Response
// @Router /auth/user [get]
// @Security BearerAuth
func (h *AuthHandler) CurrentUser(c *gin.Context) {
	Success(c, mustUser(c))
}

// ListUsers 返回全部操作员
// @Summary 用户列表
// @Tags 认证
// @Produce json
// @Success 200 {object} Response
// @Router /auth/load/all/users [get]
// @Security BearerAuth
func (h *AuthHandler) ListUsers(c *gin.Context) {
	users, err := h.authService.ListUsers(c.Request.Context())
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Success(c, users)
}

// ChangePassword 修改本人密码
// @Summary 修改密码
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body changePasswordRequest true "新旧密码"
// @Success 200 {object} Response
// @Router /auth/change-password [post]
// @Security BearerAuth
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.authService.ChangePassword(c.Request.Context(), mustUser(c).ID, req.OldPassword, req.NewPassword); err != nil {
		HandleError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "password changed", nil)
}

// ResetPassword 忘记密码，新密码发送到邮箱
// @Summary 重置密码
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body emailRequest true "邮箱"
// @Success 200 {object} Response
// @Router /auth/password-reset [post]
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.authService.ResetPassword(c.Request.Context(), req.Email); err != nil {
		HandleError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "a new password has been sent to your email", nil)
}

// ResetPasswordByAdmin 管理员重置他人密码
// @Summary 管理员重置密码
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body emailRequest true "邮箱"
// @Success 200 {object} Response
// @Router /auth/reset/password/by/admin [post]
// @Security BearerAuth
func (h *AuthHandler) ResetPasswordByAdmin(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	password, err := h.authService.ResetPasswordByAdmin(c.Request.Context(), req.Email, mustUser(c))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "password reset", gin.H{"password": password})
}

// UpdateUser 更新用户资料
// @Summary 更新用户
// @Tags 认证
// @Accept json
// @Produce json
// @Param email path string true "用户邮箱"
// @Param request body domain.UserPatch true "更新字段"
// @Success 200 {object} Response
// @Router /auth/update/{email} [put]
// @Security BearerAuth
func (h *AuthHandler) UpdateUser(c *gin.Context) {
	var patch domain.UserPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	user, err := h.authService.UpdateUser(c.Request.Context(), c.Param("email"), patch, mustUser(c))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "user updated", user)
}

// DeleteUser 删除用户
// @Summary 删除用户
// @Tags 认证
// @Produce json
// @Param email path string true "用户邮箱"
// @Success 200 {object} Response
// @Router /auth/delete/{email} [delete]
// @Security BearerAuth
func (h *AuthHandler) DeleteUser(c *gin.Context) {
	if err := h.authService.DeleteUser(c.Request.Context(), c.Param("email"), mustUser(c)); err != nil {
		HandleError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "user deleted", nil)
}

// mustUser 返回认证中间件放入的用户，只能在 RequireAuth 之后使用
func mustUser(c *gin.Context) *domain.User {
	user, _ := middleware.CurrentUser(c)
	if user == nil {
		return &domain.User{}
	}
	return user
}
