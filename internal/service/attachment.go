package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/monitoring"
	"helpdesk/backend/internal/storage"
)

// OrphanTicketRef 没有指定工单的上传文件归入此目录
const OrphanTicketRef = "Orphan Files"

// ErrNoContent 上传的附件没有内容
var ErrNoContent = errors.New("attachment has no content")

// Drive 附件内容存储
type Drive interface {
	SaveAttachment(envID, ticketRef, attachmentID, fileName string, content []byte) (string, error)
	AbsolutePath(location, fileName string) (string, error)
	DeleteAttachment(location string) error
}

// UploadInput 上传一个附件所需的输入
type UploadInput struct {
	EnvID       string
	TicketRef   string
	FileName    string
	ContentType string
	Content     []byte
	Disposition string
	ContentID   string
	Actor       string
}

// AttachmentService 附件存储服务：元数据写仓储，内容写 drive。
type AttachmentService struct {
	repo    storage.AttachmentRepository
	drive   Drive
	retries int
	timeout time.Duration
	backoff time.Duration
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewAttachmentService 创建附件服务
func NewAttachmentService(repo storage.AttachmentRepository, drive Drive, cfg config.HelpdeskConfig, metrics *monitoring.Metrics, log *zap.Logger) *AttachmentService {
	if log == nil {
		log = zap.NewNop()
	}
	retries := cfg.UploadRetries
	if retries < 0 {
		retries = 0
	}
	timeout := cfg.IOTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AttachmentService{
		repo:    repo,
		drive:   drive,
		retries: retries,
		timeout: timeout,
		backoff: 200 * time.Millisecond,
		metrics: metrics,
		log:     log,
	}
}

// ExistingContentIDs 返回环境内已存储的 Content-ID，值为已有附件的 ID
func (s *AttachmentService) ExistingContentIDs(ctx context.Context, envID string, contentIDs []string) (map[string]string, error) {
	ids := make([]string, 0, len(contentIDs))
	for _, id := range contentIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return make(map[string]string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	found, err := s.repo.ExistingContentIDs(ctx, envID, ids)
	if err != nil {
		return nil, domain.NewDependencyError("lookup attachment content ids", true, err)
	}
	if found == nil {
		found = make(map[string]string)
	}
	return found, nil
}

// Upload 保存附件内容和元数据。
//
// 展示方式为空时按 attachment 处理；Content-ID 为空时生成一个。
// 写 drive 失败会重试 retries 次。
func (s *AttachmentService) Upload(ctx context.Context, in UploadInput) (*domain.Attachment, error) {
	if len(in.Content) == 0 {
		return nil, ErrNoContent
	}
	disposition, err := domain.ParseDisposition(in.Disposition)
	if err != nil {
		return nil, err
	}
	ticketRef := in.TicketRef
	if ticketRef == "" {
		ticketRef = OrphanTicketRef
	}
	contentID := in.ContentID
	if contentID == "" {
		contentID = domain.NewShortID()
	}
	name := in.FileName
	if name == "" {
		name = contentID
	}

	att := &domain.Attachment{
		ID:                 domain.NewID(),
		EnvID:              in.EnvID,
		Name:               name,
		ContentType:        in.ContentType,
		Size:               int64(len(in.Content)),
		ContentDisposition: disposition,
		ContentID:          contentID,
	}
	att.CreatedBy = in.Actor
	att.UpdatedBy = in.Actor

	location, err := s.saveWithRetry(ctx, att, ticketRef, in.Content)
	if err != nil {
		return nil, err
	}
	att.Location = location

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.CreateAttachment(ctx, att); err != nil {
		if rmErr := s.drive.DeleteAttachment(location); rmErr != nil {
			s.log.Warn("Failed to remove orphaned attachment file",
				zap.String("location", location), zap.Error(rmErr))
		}
		return nil, domain.NewDependencyError("store attachment metadata", true, err)
	}

	s.metrics.RecordAttachmentStored(att.Size)
	s.log.Debug("Attachment stored",
		zap.String("id", att.ID),
		zap.String("location", location),
		zap.String("disposition", string(disposition)),
		zap.Int64("size", att.Size),
	)
	return att, nil
}

func (s *AttachmentService) saveWithRetry(ctx context.Context, att *domain.Attachment, ticketRef string, content []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", domain.NewDependencyError("upload attachment", true, ctx.Err())
			case <-time.After(time.Duration(attempt) * s.backoff):
			}
		}
		location, err := s.drive.SaveAttachment(att.EnvID, ticketRef, att.ID, att.Name, content)
		if err == nil {
			return location, nil
		}
		lastErr = err
		s.log.Warn("Attachment upload failed",
			zap.String("name", att.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", domain.NewDependencyError("upload attachment", true, lastErr)
}

// Get 获取附件元数据
func (s *AttachmentService) Get(ctx context.Context, id string) (*domain.Attachment, error) {
	att, err := s.repo.GetAttachment(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NewNotFoundError("attachment", id)
		}
		return nil, domain.NewDependencyError("load attachment", true, err)
	}
	return att, nil
}

// Resolve 返回附件元数据和文件绝对路径
func (s *AttachmentService) Resolve(ctx context.Context, id string) (*domain.Attachment, string, error) {
	att, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	path, err := s.drive.AbsolutePath(att.Location, att.Name)
	if err != nil {
		return nil, "", domain.NewNotFoundError("attachment file", id)
	}
	return att, path, nil
}

// ResolveRefs 把邮件记录中的附件引用转换为外发附件，内联附件保留 Content-ID。
// 找不到文件的引用会被跳过。
func (s *AttachmentService) ResolveRefs(refs []domain.AttachmentRef) []mailer.Attachment {
	out := make([]mailer.Attachment, 0, len(refs))
	for _, ref := range refs {
		path, err := s.drive.AbsolutePath(ref.Location, ref.Name)
		if err != nil {
			s.log.Warn("Attachment file missing, skipped",
				zap.String("id", ref.ID),
				zap.String("location", ref.Location),
				zap.Error(err),
			)
			continue
		}
		a := mailer.Attachment{
			Filename:    ref.Name,
			Path:        path,
			ContentType: ref.ContentType,
		}
		if ref.ContentDisposition == domain.DispositionInline {
			a.ContentID = ref.ContentID
		}
		out = append(out, a)
	}
	return out
}

// InlineImageAttachments 将回复中的内联图片转换为外发附件
func InlineImageAttachments(images []domain.InlineImage) ([]mailer.Attachment, error) {
	out := make([]mailer.Attachment, 0, len(images))
	for _, img := range images {
		content := []byte(img.Content)
		if img.Encoding == "" || img.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(img.Content)
			if err != nil {
				return nil, domain.NewValidationError("inlineImgDetails", fmt.Sprintf("image %q is not valid base64", img.Filename))
			}
			content = decoded
		}
		out = append(out, mailer.Attachment{
			Filename:    img.Filename,
			Content:     content,
			ContentType: img.ContentType,
			ContentID:   img.CID,
		})
	}
	return out, nil
}
