package domain

import "time"

// InboundMail 邮件源推送给入站流水线的结构化邮件。
type InboundMail struct {
	From         []MailAddress       `json:"from"`
	To           []MailAddress       `json:"to"`
	Cc           []MailAddress       `json:"cc"`
	Subject      string              `json:"subject"`
	HTML         string              `json:"html"`
	Text         string              `json:"text"`
	Headers      map[string][]string `json:"headers"`
	MessageID    string              `json:"messageId"`
	Date         time.Time           `json:"date"`
	ReceivedDate time.Time           `json:"receivedDate"`
	UID          string              `json:"uid"`
	Flags        []string            `json:"flags"`
	Priority     string              `json:"priority"`
	Attachments  []MailAttachment    `json:"attachments"`
}

// MailAttachment 入站邮件中的附件
type MailAttachment struct {
	FileName           string `json:"fileName"`
	ContentType        string `json:"contentType"`
	Length             int64  `json:"length"`
	Content            []byte `json:"content"`
	ContentID          string `json:"contentId"`
	ContentDisposition string `json:"contentDisposition"`
	TransferEncoding   string `json:"transferEncoding"`
}

// HeaderSnapshot 从原始邮件头构造快照
func (m *InboundMail) HeaderSnapshot() EmailHeaders {
	first := func(key string) string {
		if v := m.Headers[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return EmailHeaders{
		From:    first("From"),
		To:      first("To"),
		Cc:      first("Cc"),
		Subject: m.Subject,
		Date:    m.Date,
	}
}
