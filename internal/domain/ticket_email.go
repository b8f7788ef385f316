package domain

import (
	"fmt"
	"time"
)

// TicketEmailType 工单邮件类型
type TicketEmailType string

const (
	TicketEmailTypeTicket  TicketEmailType = "Ticket"
	TicketEmailTypeReply   TicketEmailType = "Reply"
	TicketEmailTypeForward TicketEmailType = "Forward"
)

// ParseTicketEmailType 解析工单邮件类型，未知值返回 ValidationError
func ParseTicketEmailType(s string) (TicketEmailType, error) {
	switch TicketEmailType(s) {
	case TicketEmailTypeTicket, TicketEmailTypeReply, TicketEmailTypeForward:
		return TicketEmailType(s), nil
	}
	return "", NewValidationError("ticketEmailType", fmt.Sprintf("unknown type %q", s))
}

// MailAddress 邮件地址
type MailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// DisplayName 返回显示名，缺失时取地址的本地部分
func (a MailAddress) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return LocalPart(a.Address)
}

// EmailHeaders 邮件头快照
type EmailHeaders struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Cc      string    `json:"cc"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
}

// TicketEmail 表示工单会话中的一封邮件（入站、回复、转发或草稿）。
type TicketEmail struct {
	ID              string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TicketRef       string          `json:"ticketRef" gorm:"type:varchar(36);not null;index"`
	EnvID           string          `json:"envID" gorm:"type:varchar(64);not null;index:idx_tkt_email_subject"`
	Thread          int             `json:"thread" gorm:"not null"`
	Subject         string          `json:"subject" gorm:"type:varchar(500);not null;index:idx_tkt_email_subject"`
	OriginalSubject string          `json:"originalSubject" gorm:"type:varchar(500)"`
	FromAddress     string          `json:"fromAddress" gorm:"type:varchar(255)"`
	From            []MailAddress   `json:"from" gorm:"column:from_addresses;serializer:json;type:text"`
	To              []MailAddress   `json:"to" gorm:"column:to_addresses;serializer:json;type:text"`
	Cc              []MailAddress   `json:"cc" gorm:"column:cc_addresses;serializer:json;type:text"`
	Bcc             []MailAddress   `json:"bcc" gorm:"column:bcc_addresses;serializer:json;type:text"`
	HTML            string          `json:"html" gorm:"type:text"`
	Text            string          `json:"text" gorm:"type:text"`
	Headers         EmailHeaders    `json:"headers" gorm:"serializer:json;type:text"`
	MessageID       string          `json:"messageId" gorm:"type:varchar(500);index"`
	Priority        string          `json:"priority" gorm:"type:varchar(20)"`
	Date            time.Time       `json:"date"`
	ReceivedDate    time.Time       `json:"receivedDate"`
	UID             string          `json:"uid,omitempty" gorm:"type:varchar(100)"`
	Flags           string          `json:"flags,omitempty" gorm:"type:varchar(200)"`
	Attachments     []AttachmentRef `json:"attachments" gorm:"serializer:json;type:text"`
	TicketEmailType TicketEmailType `json:"ticketEmailType" gorm:"type:varchar(20);index"`
	Draft           bool            `json:"draft" gorm:"default:false;index"`
	SenderName      string          `json:"senderName" gorm:"type:varchar(200)"`
	SenderEmail     string          `json:"senderEmail" gorm:"type:varchar(255)"`
	RecipientName   string          `json:"recipientName" gorm:"type:varchar(200)"`
	RecipientEmail  string          `json:"recipientEmail" gorm:"type:varchar(255)"`

	Audit `gorm:"embedded"`
}

// SyncFromAddress 同步唯一键使用的发件地址
func (e *TicketEmail) SyncFromAddress() {
	if len(e.From) > 0 {
		e.FromAddress = e.From[0].Address
	} else {
		e.FromAddress = ""
	}
}

// TicketEmailPatch 草稿原地更新的可变字段。
//
// 发送草稿时通过它把 draft 置为 false，记录此后不再修改。
type TicketEmailPatch struct {
	HTML           string
	Text           string
	To             []MailAddress
	Cc             []MailAddress
	Bcc            []MailAddress
	Date           time.Time
	ReceivedDate   time.Time
	Attachments    []AttachmentRef
	Draft          bool
	SenderName     string
	SenderEmail    string
	RecipientName  string
	RecipientEmail string
}

// PatchFrom 取出记录中允许原地更新的字段
func PatchFrom(e *TicketEmail) TicketEmailPatch {
	return TicketEmailPatch{
		HTML:           e.HTML,
		Text:           e.Text,
		To:             e.To,
		Cc:             e.Cc,
		Bcc:            e.Bcc,
		Date:           e.Date,
		ReceivedDate:   e.ReceivedDate,
		Attachments:    e.Attachments,
		Draft:          e.Draft,
		SenderName:     e.SenderName,
		SenderEmail:    e.SenderEmail,
		RecipientName:  e.RecipientName,
		RecipientEmail: e.RecipientEmail,
	}
}

// Apply 将补丁应用到记录
func (p TicketEmailPatch) Apply(e *TicketEmail) {
	e.HTML = p.HTML
	e.Text = p.Text
	e.To = p.To
	e.Cc = p.Cc
	e.Bcc = p.Bcc
	e.Date = p.Date
	e.ReceivedDate = p.ReceivedDate
	e.Attachments = p.Attachments
	e.Draft = p.Draft
	e.SenderName = p.SenderName
	e.SenderEmail = p.SenderEmail
	e.RecipientName = p.RecipientName
	e.RecipientEmail = p.RecipientEmail
}
