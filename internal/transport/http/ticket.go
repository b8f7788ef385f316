package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/service"
)

// TicketHandler 处理工单和工单邮件相关的 HTTP 请求
type TicketHandler struct {
	tickets  *service.TicketService
	composer *service.ComposerService
	log      *zap.Logger
}

// NewTicketHandler 创建工单处理器
func NewTicketHandler(tickets *service.TicketService, composer *service.ComposerService, log *zap.Logger) *TicketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TicketHandler{
		tickets:  tickets,
		composer: composer,
		log:      log.With(zap.String("component", "ticket_handler")),
	}
}

// actorFrom 当前操作员
func actorFrom(c *gin.Context) service.Actor {
	user := mustUser(c)
	return service.Actor{Name: user.FullName(), Email: user.Email}
}

// Create 手动创建工单
// @Summary 创建工单
// @Tags 工单
// @Accept json
// @Produce json
// @Param request body service.CreateTicketInput true "工单信息"
// @Success 201 {object} Response
// @Router /ticket/create [post]
// @Security BearerAuth
func (h *TicketHandler) Create(c *gin.Context) {
	var req service.CreateTicketInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ticket, err := h.tickets.Create(c.Request.Context(), req, actorFrom(c))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Created(c, "ticket created", ticket)
}

// Update 部分更新工单，isDeleted=true 时软删除
// @Summary 更新工单
// @Tags 工单
// @Accept json
// @Produce json
// @Param ticketid path string true "工单 ID"
// @Param request body domain.TicketPatch true "更新字段"
// @Success 200 {object} Response
// @Router /ticket/update/{ticketid} [put]
// @Security BearerAuth
func (h *TicketHandler) Update(c *gin.Context) {
	var patch domain.TicketPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ticket, err := h.tickets.Update(c.Request.Context(), c.Param("ticketid"), patch, actorFrom(c))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	if ticket == nil {
		SuccessWithMsg(c, "ticket deleted", nil)
		return
	}
	SuccessWithMsg(c, "ticket updated", ticket)
}

// LoadAll 当前环境全部工单
// @Summary 工单列表
// @Tags 工单
// @Produce json
// @Success 200 {object} Response
// @Router /ticket/load/all [get]
// @Security BearerAuth
func (h *TicketHandler) LoadAll(c *gin.Context) {
	tickets, err := h.tickets.List(c.Request.Context())
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Success(c, tickets)
}

// LoadFilter 按查询参数筛选工单
// @Summary 筛选工单
// @Description search 为全文搜索；其余参数为字段等值条件，condition=AND 时全部满足
// @Tags 工单
// @Produce json
// @Param search query string false "搜索工单号或主题"
// @Param condition query string false "AND 或 OR"
// @Success 200 {object} Response
// @Router /ticket/load/filter [get]
// @Security BearerAuth
func (h *TicketHandler) LoadFilter(c *gin.Context) {
	query := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	tickets, err := h.tickets.Filter(c.Request.Context(), query)
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Success(c, tickets)
}

// LoadTicket 单个工单
// @Summary 工单详情
// @Tags 工单
// @Produce json
// @Param ticketid path string true "工单 ID"
// @Success 200 {object} Response
// @Router /ticket/load/ticket/{ticketid} [get]
// @Security BearerAuth
func (h *TicketHandler) LoadTicket(c *gin.Context) {
	ticket, err := h.tickets.Get(c.Request.Context(), c.Param("ticketid"))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Success(c, ticket)
}

// LoadEmailByThread 工单会话中指定位置的邮件
// @Summary 按会话位置获取邮件
// @Tags 工单邮件
// @Produce json
// @Param ticketid path string true "工单 ID"
// @Param thread path int true "会话位置，从 1 开始"
// @Success 200 {object} Response
// @Router /ticket/load/ticket-email/by/thread/{ticketid}/{thread} [get]
// @Security BearerAuth
func (h *TicketHandler) LoadEmailByThread(c *gin.Context) {
	thread, err := strconv.Atoi(c.Param("thread"))
	if err != nil {
		BadRequest(c, "thread must be a number")
		return
	}

	email, err := h.tickets.EmailByThread(c.Request.Context(), c.Param("ticketid"), thread)
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Success(c, email)
}

// LoadDraftByType 工单指定类型的草稿
// @Summary 按类型获取草稿
// @Tags 工单邮件
// @Produce json
// @Param ticketid path string true "工单 ID"
// @Param ticketemailtype path string true "Reply、ReplyAll 或 Forward"
// @Success 200 {object} Response
// @Router /ticket/load/draft/ticket-email/{ticketid}/{ticketemailtype} [get]
// @Security BearerAuth
func (h *TicketHandler) LoadDraftByType(c *gin.Context) {
	email, err := h.tickets.DraftByType(c.Request.Context(), c.Param("ticketid"), c.Param("ticketemailtype"))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Success(c, email)
}

// LoadDraftByID 按 ID 获取草稿。
//
// 路由与按类型获取共用 :ticketid 通配段，这里它是草稿 ID。
// @Summary 按 ID 获取草稿
// @Tags 工单邮件
// @Produce json
// @Param tktEmailId path string true "草稿 ID"
// @Success 200 {object} Response
// @Router /ticket/load/draft/ticket-email/{tktEmailId} [get]
// @Security BearerAuth
func (h *TicketHandler) LoadDraftByID(c *gin.Context) {
	email, err := h.tickets.DraftByID(c.Request.Context(), c.Param("ticketid"))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Success(c, email)
}

// LoadThreads 工单全部邮件，最新的在前
// @Summary 工单邮件会话
// @Tags 工单邮件
// @Produce json
// @Param ticketid path string true "工单 ID"
// @Success 200 {object} Response
// @Router /ticket/load/ticket-email-threads/{ticketid} [get]
// @Security BearerAuth
func (h *TicketHandler) LoadThreads(c *gin.Context) {
	emails, err := h.tickets.Threads(c.Request.Context(), c.Param("ticketid"))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	Success(c, emails)
}

// Reply 回复、全部回复、转发或保存草稿
// @Summary 回复工单
// @Tags 工单邮件
// @Accept json
// @Produce json
// @Param request body service.ReplyPayload true "回复内容"
// @Success 200 {object} Response
// @Failure 409 {object} Response "并发冲突"
// @Router /ticket/reply-ticket [post]
// @Security BearerAuth
func (h *TicketHandler) Reply(c *gin.Context) {
	var req service.ReplyPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	email, err := h.composer.ReplyOrDraft(c.Request.Context(), req, actorFrom(c))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	msg := "reply sent"
	if req.Draft {
		msg = "draft saved"
	}
	SuccessWithMsg(c, msg, email)
}
