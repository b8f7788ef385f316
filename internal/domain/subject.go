package domain

import "strings"

// 回复/转发标记
const (
	ReplyMarker   = "Re: "
	ForwardMarker = "Fwd: "
)

// SubjectInfo 主题归一化结果
type SubjectInfo struct {
	// Canonical 去掉回复/转发标记和工单标记后的关联主题
	Canonical string
	// Marked 主题（去掉回复/转发标记后）以工单标记开头
	Marked bool
	// Response 主题以回复或转发标记开头
	Response bool
}

// NormalizeSubject 归一化邮件主题。
//
// 主题以 "Re: " 开头时移除全部 "Re: "；否则以 "Fwd: " 开头时移除全部 "Fwd: "。
// 随后若以工单标记开头则去掉标记。
func NormalizeSubject(subject, marker string) SubjectInfo {
	info := SubjectInfo{}
	s := subject
	switch {
	case strings.HasPrefix(s, ReplyMarker):
		s = strings.ReplaceAll(s, ReplyMarker, "")
		info.Response = true
	case strings.HasPrefix(s, ForwardMarker):
		s = strings.ReplaceAll(s, ForwardMarker, "")
		info.Response = true
	}
	if marker != "" && strings.HasPrefix(s, marker) {
		info.Marked = true
		s = strings.TrimPrefix(s, marker)
	}
	info.Canonical = strings.TrimSpace(s)
	return info
}

// LocalPart 返回地址 @ 之前的部分
func LocalPart(address string) string {
	if i := strings.Index(address, "@"); i >= 0 {
		return address[:i]
	}
	return address
}

// NameFromAddress 显示名为空时取地址本地部分
func NameFromAddress(name, address string) string {
	if name != "" {
		return name
	}
	return LocalPart(address)
}
