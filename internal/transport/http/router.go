package httptransport

import (
	"net/http"
	"strings"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "helpdesk/backend/docs"
	"helpdesk/backend/internal/auth"
	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/health"
	"helpdesk/backend/internal/middleware"
	"helpdesk/backend/internal/monitoring"
	"helpdesk/backend/internal/security"
	"helpdesk/backend/internal/service"
	"helpdesk/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config            *config.Config
	AuthService       *auth.Service
	TicketService     *service.TicketService
	ComposerService   *service.ComposerService
	AttachmentService *service.AttachmentService
	UploadPolicy      *security.UploadPolicy
	WebSocketHub      *websocket.Hub        // 为空时不注册 /ws
	Health            *health.HealthChecker // 为空时不注册健康检查
	Metrics           *monitoring.Metrics   // 为空时不注册 /metrics
	Logger            *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(deps.Metrics, log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders("/swagger/"))
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.BodyLimit(middleware.HelpdeskBodyLimits(), deps.Metrics))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Max-Body-Size", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	jwtAuth := middleware.NewJWTAuth(deps.AuthService, deps.Config.JWT.CookieName, log)
	secureCookie := strings.HasPrefix(deps.Config.Helpdesk.BaseURL, "https://")

	authHandler := NewAuthHandler(deps.AuthService, jwtAuth, secureCookie, log)
	ticketHandler := NewTicketHandler(deps.TicketService, deps.ComposerService, log)
	attachmentHandler := NewAttachmentHandler(deps.AttachmentService, deps.UploadPolicy,
		deps.Config.Helpdesk.EnvID, deps.Config.Helpdesk.BaseURL, log)

	// 业务请求超时：给存储和附件 I/O 留出重试余量
	requestTimeout := middleware.Timeout(3 * ioTimeout(deps.Config))

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 健康检查
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// ========== Auth Routes ==========
	authRoutes := router.Group("/auth", requestTimeout)
	{
		authRoutes.POST("/login", authHandler.Login)
		authRoutes.POST("/password-reset", authHandler.ResetPassword)
		authRoutes.GET("/logout", authHandler.Logout)

		authRoutes.POST("/create", jwtAuth.RequireAuth(), authHandler.CreateUser)
		authRoutes.GET("/user", jwtAuth.RequireAuth(), authHandler.CurrentUser)
		authRoutes.GET("/load/all/users", jwtAuth.RequireAuth(), authHandler.ListUsers)
		authRoutes.POST("/change-password", jwtAuth.RequireAuth(), authHandler.ChangePassword)
		authRoutes.PUT("/update/:email", jwtAuth.RequireAuth(), authHandler.UpdateUser)
		authRoutes.DELETE("/delete/:email", jwtAuth.RequireAuth(), authHandler.DeleteUser)
		authRoutes.POST("/reset/password/by/admin", jwtAuth.RequireAuth(), authHandler.ResetPasswordByAdmin)
	}

	// ========== Ticket Routes ==========
	ticketRoutes := router.Group("/ticket", requestTimeout, jwtAuth.RequireAuth())
	{
		ticketRoutes.POST("/create", ticketHandler.Create)
		ticketRoutes.PUT("/update/:ticketid", ticketHandler.Update)
		ticketRoutes.GET("/load/all", ticketHandler.LoadAll)
		ticketRoutes.GET("/load/filter", ticketHandler.LoadFilter)
		ticketRoutes.GET("/load/ticket/:ticketid", ticketHandler.LoadTicket)
		ticketRoutes.GET("/load/ticket-email/by/thread/:ticketid/:thread", ticketHandler.LoadEmailByThread)
		ticketRoutes.GET("/load/draft/ticket-email/:ticketid/:ticketemailtype", ticketHandler.LoadDraftByType)
		ticketRoutes.GET("/load/draft/ticket-email/:ticketid", ticketHandler.LoadDraftByID)
		ticketRoutes.GET("/load/ticket-email-threads/:ticketid", ticketHandler.LoadThreads)
		ticketRoutes.POST("/reply-ticket", ticketHandler.Reply)
	}

	// ========== Attachment Routes ==========
	attachmentRoutes := router.Group("/attachment", requestTimeout)
	{
		attachmentRoutes.GET("/download/:documentid", attachmentHandler.Download)
		attachmentRoutes.POST("/upload", jwtAuth.RequireAuth(), attachmentHandler.Upload)
	}

	// ========== WebSocket Routes ==========
	if deps.WebSocketHub != nil {
		router.GET("/ws", jwtAuth.RequireAuth(), websocket.HandleWebSocket(deps.WebSocketHub))
	}

	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "route not found")
	})

	return router
}

func ioTimeout(cfg *config.Config) time.Duration {
	if cfg.Helpdesk.IOTimeout > 0 {
		return cfg.Helpdesk.IOTimeout
	}
	return 10 * time.Second
}
