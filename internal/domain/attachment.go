package domain

import "fmt"

// Disposition 附件展示方式
type Disposition string

const (
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// ParseDisposition 解析展示方式，空值视为 attachment
func ParseDisposition(s string) (Disposition, error) {
	switch Disposition(s) {
	case "", DispositionAttachment:
		return DispositionAttachment, nil
	case DispositionInline:
		return DispositionInline, nil
	}
	return "", NewValidationError("contentDisposition", fmt.Sprintf("unknown disposition %q", s))
}

// Attachment 已存储文件的元数据，内容保存在附件存储（drive）中。
type Attachment struct {
	ID                 string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EnvID              string      `json:"envID" gorm:"type:varchar(64);not null;index:idx_attachment_env_cid"`
	Name               string      `json:"name" gorm:"type:varchar(255)"`
	Location           string      `json:"location" gorm:"type:varchar(500)"` // <env>/<ticketRef>/<id>
	ContentType        string      `json:"contentType" gorm:"type:varchar(100)"`
	Size               int64       `json:"size"`
	ContentDisposition Disposition `json:"contentDisposition" gorm:"type:varchar(20)"`
	ContentID          string      `json:"contentId" gorm:"type:varchar(255);index:idx_attachment_env_cid"`

	Audit `gorm:"embedded"`
}

// Ref 转换为邮件记录中引用的形式
func (a *Attachment) Ref() AttachmentRef {
	return AttachmentRef{
		ID:                 a.ID,
		Name:               a.Name,
		ContentType:        a.ContentType,
		Location:           a.Location,
		Size:               a.Size,
		ContentDisposition: a.ContentDisposition,
		ContentID:          a.ContentID,
	}
}

// AttachmentRef 邮件记录中保存的附件引用
type AttachmentRef struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	ContentType        string      `json:"contentType"`
	Location           string      `json:"location"`
	Size               int64       `json:"size,omitempty"`
	ContentDisposition Disposition `json:"contentDisposition"`
	ContentID          string      `json:"contentId"`
}

// InlineImage 操作员回复中附带的内联图片（base64 内容）
type InlineImage struct {
	Filename           string `json:"filename"`
	Content            string `json:"content"`
	ContentType        string `json:"contentType"`
	CID                string `json:"cid"`
	Encoding           string `json:"encoding"`
	ContentDisposition string `json:"contentDisposition"`
}
