package mailsource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"helpdesk/backend/internal/domain"
)

// ErrEmptyMessage 原始邮件为空
var ErrEmptyMessage = errors.New("empty message")

// 单个正文/附件最多读取的字节数
const maxPartBytes = 25 << 20

// ParseMessage 将 RFC 5322 原始邮件解析为入站邮件。
//
// 第一个 text/plain 和 text/html 部分作为正文；其余部分作为附件，
// Content-Disposition 缺失但带 Content-ID 的部分按内联附件处理。
// 字符集由 go-message/charset 转换为 UTF-8。
func ParseMessage(raw []byte) (*domain.InboundMail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer reader.Close()

	header := reader.Header
	mail := &domain.InboundMail{
		Headers:  headerMap(header),
		Priority: priority(header),
	}

	if subject, err := header.Subject(); err == nil {
		mail.Subject = subject
	} else {
		mail.Subject = header.Get("Subject")
	}
	mail.From = addressList(header, "From")
	mail.To = addressList(header, "To")
	mail.Cc = addressList(header, "Cc")

	if id, err := header.MessageID(); err == nil && id != "" {
		mail.MessageID = "<" + id + ">"
	} else {
		mail.MessageID = strings.TrimSpace(header.Get("Message-Id"))
	}
	if date, err := header.Date(); err == nil {
		mail.Date = date.UTC()
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err) {
				continue
			}
			return nil, fmt.Errorf("read part: %w", err)
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			_, _, hasFilename := filename(h.Header)
			switch {
			case mediaType == "text/html" && mail.HTML == "" && !hasFilename:
				body, err := readPart(part.Body)
				if err != nil {
					return nil, err
				}
				mail.HTML = string(body)
			case (mediaType == "text/plain" || mediaType == "") && mail.Text == "" && !hasFilename:
				body, err := readPart(part.Body)
				if err != nil {
					return nil, err
				}
				mail.Text = string(body)
			default:
				att, err := readAttachment(h.Header, part.Body, string(domain.DispositionInline))
				if err != nil {
					return nil, err
				}
				mail.Attachments = append(mail.Attachments, att)
			}
		case *gomail.AttachmentHeader:
			att, err := readAttachment(h.Header, part.Body, "")
			if err != nil {
				return nil, err
			}
			mail.Attachments = append(mail.Attachments, att)
		}
	}

	return mail, nil
}

func readPart(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxPartBytes))
	if err != nil {
		return nil, fmt.Errorf("read part body: %w", err)
	}
	return body, nil
}

// readAttachment 读取附件部分。fallback 为头部未声明展示方式时使用的值
func readAttachment(h gomessage.Header, body io.Reader, fallback string) (domain.MailAttachment, error) {
	content, err := readPart(body)
	if err != nil {
		return domain.MailAttachment{}, err
	}

	mediaType, _, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "application/octet-stream"
	}
	contentID := strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")

	disposition, _, _ := h.ContentDisposition()
	disposition = strings.ToLower(disposition)
	if disposition == "" {
		disposition = fallback
	}
	if disposition == "" {
		if contentID != "" {
			disposition = string(domain.DispositionInline)
		} else {
			disposition = string(domain.DispositionAttachment)
		}
	}

	name, _, _ := filename(h)
	return domain.MailAttachment{
		FileName:           name,
		ContentType:        mediaType,
		Length:             int64(len(content)),
		Content:            content,
		ContentID:          contentID,
		ContentDisposition: disposition,
		TransferEncoding:   strings.ToLower(h.Get("Content-Transfer-Encoding")),
	}, nil
}

// filename 依次尝试 Content-Disposition 的 filename 和 Content-Type 的 name
func filename(h gomessage.Header) (string, string, bool) {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return decodeWord(params["filename"]), "filename", true
	}
	if _, params, err := h.ContentType(); err == nil && params["name"] != "" {
		return decodeWord(params["name"]), "name", true
	}
	return "", "", false
}

func decodeWord(s string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func addressList(h gomail.Header, key string) []domain.MailAddress {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		// 个别客户端写出不规范的地址，保留原值
		raw := strings.TrimSpace(h.Get(key))
		if raw == "" {
			return nil
		}
		return []domain.MailAddress{{Address: strings.Trim(raw, "<>")}}
	}
	out := make([]domain.MailAddress, 0, len(list))
	for _, a := range list {
		out = append(out, domain.MailAddress{Name: a.Name, Address: strings.ToLower(a.Address)})
	}
	return out
}

func headerMap(h gomail.Header) map[string][]string {
	out := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out[key] = append(out[key], value)
	}
	return out
}

// priority 由 X-Priority / Importance 推断优先级，无法判断时返回空
func priority(h gomail.Header) string {
	if p := strings.TrimSpace(h.Get("X-Priority")); p != "" {
		switch p[0] {
		case '1', '2':
			return "high"
		case '4', '5':
			return "low"
		}
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Importance"))) {
	case "high":
		return "high"
	case "low":
		return "low"
	}
	return ""
}

// stamp 填充邮件源提供的接收信息
func stamp(mail *domain.InboundMail, uid string, flags []string, received time.Time) {
	mail.UID = uid
	mail.Flags = flags
	if received.IsZero() {
		received = time.Now().UTC()
	}
	mail.ReceivedDate = received.UTC()
}
