package httptransport

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/security"
	"helpdesk/backend/internal/service"
)

// AttachmentHandler 处理附件上传和下载
type AttachmentHandler struct {
	attachments *service.AttachmentService
	policy      *security.UploadPolicy
	envID       string
	baseURL     string
	log         *zap.Logger
}

// NewAttachmentHandler 创建附件处理器
func NewAttachmentHandler(attachments *service.AttachmentService, policy *security.UploadPolicy, envID, baseURL string, log *zap.Logger) *AttachmentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if policy == nil {
		policy = security.NewUploadPolicy(0)
	}
	return &AttachmentHandler{
		attachments: attachments,
		policy:      policy,
		envID:       envID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		log:         log.With(zap.String("component", "attachment_handler")),
	}
}

type uploadResponse struct {
	domain.AttachmentRef
	URL string `json:"url"`
}

// Upload 上传附件
// @Summary 上传附件
// @Description multipart 表单：file 必填；ticketId 为空时归入 "Orphan Files"
// @Tags 附件
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "附件"
// @Param ticketId formData string false "工单 ID"
// @Param contentDisposition formData string false "inline 或 attachment"
// @Param contentId formData string false "Content-ID"
// @Success 201 {object} Response
// @Failure 400 {object} Response "附件被拒绝"
// @Router /attachment/upload [post]
// @Security BearerAuth
func (h *AttachmentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			HandleError(c, h.log, tooLarge)
			return
		}
		BadRequest(c, MsgFileRequired)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		HandleError(c, h.log, err)
		return
	}
	defer file.Close()

	// 多读一个字节用于判断超限
	content, err := io.ReadAll(io.LimitReader(file, h.policy.MaxFileSize()+1))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}

	contentType, err := h.policy.Check(fileHeader.Filename, content, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		h.log.Warn("Upload rejected",
			zap.String("file", fileHeader.Filename),
			zap.String("user", mustUser(c).Email),
			zap.Error(err),
		)
		HandleError(c, h.log, err)
		return
	}

	att, err := h.attachments.Upload(c.Request.Context(), service.UploadInput{
		EnvID:       h.envID,
		TicketRef:   c.DefaultPostForm("ticketId", service.OrphanTicketRef),
		FileName:    fileHeader.Filename,
		ContentType: contentType,
		Content:     content,
		Disposition: c.PostForm("contentDisposition"),
		ContentID:   c.PostForm("contentId"),
		Actor:       mustUser(c).Email,
	})
	if err != nil {
		HandleError(c, h.log, err)
		return
	}

	Created(c, "attachment uploaded", uploadResponse{
		AttachmentRef: att.Ref(),
		URL:           fmt.Sprintf("%s/attachment/download/%s", h.baseURL, att.ID),
	})
}

// Download 下载附件，无需认证
// @Summary 下载附件
// @Tags 附件
// @Produce octet-stream
// @Param documentid path string true "附件 ID"
// @Success 200 {file} file
// @Failure 404 {object} Response "附件不存在"
// @Router /attachment/download/{documentid} [get]
func (h *AttachmentHandler) Download(c *gin.Context) {
	att, path, err := h.attachments.Resolve(c.Request.Context(), c.Param("documentid"))
	if err != nil {
		HandleError(c, h.log, err)
		return
	}

	disposition := string(att.ContentDisposition)
	if disposition == "" {
		disposition = string(domain.DispositionAttachment)
	}
	if att.ContentType != "" {
		c.Header("Content-Type", att.ContentType)
	}
	c.Header("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": att.Name}))
	c.Header("X-Content-Type-Options", "nosniff")
	c.File(path)
}
