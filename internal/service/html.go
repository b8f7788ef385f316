package service

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const quoteMarker = "<blockquote"

// DownloadURL 返回附件的公开下载地址
func DownloadURL(baseURL, attachmentID string) string {
	return strings.TrimRight(baseURL, "/") + "/attachment/download/" + attachmentID
}

// RewriteInline 将 HTML 中的 cid:<contentId> 引用替换为下载地址。
//
// 参数:
//   - html: 邮件正文
//   - inline: contentId -> 附件 ID
//   - baseURL: 下载地址前缀
func RewriteInline(html string, inline map[string]string, baseURL string) string {
	if html == "" || len(inline) == 0 {
		return html
	}
	for cid, id := range inline {
		if cid == "" {
			continue
		}
		html = strings.ReplaceAll(html, "cid:"+cid, DownloadURL(baseURL, id))
	}
	return html
}

// TruncateQuoted 截断第一个 <blockquote 之后的引用内容
func TruncateQuoted(html string) string {
	if i := strings.Index(html, quoteMarker); i >= 0 {
		return html[:i]
	}
	return html
}

// HTMLSanitizer 清洗入站邮件正文
type HTMLSanitizer struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitizer 使用 UGC 策略，保留 http(s) 图片和表格样式
func NewHTMLSanitizer() *HTMLSanitizer {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").OnElements("span", "p", "div", "td", "th", "table")
	p.AllowAttrs("width", "height", "alt").OnElements("img")
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return &HTMLSanitizer{policy: p}
}

// Sanitize 返回清洗后的 HTML；nil 接收者原样返回
func (s *HTMLSanitizer) Sanitize(html string) string {
	if s == nil || html == "" {
		return html
	}
	return s.policy.Sanitize(html)
}
