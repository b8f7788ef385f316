package security

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// DefaultMaxUploadSize 操作员上传附件的默认大小上限
const DefaultMaxUploadSize = 25 * 1024 * 1024

// UploadPolicy 操作员上传附件的安全检查
type UploadPolicy struct {
	// 最大文件大小（字节）
	maxFileSize int64

	// 危险文件扩展名
	dangerousExtensions map[string]bool
}

// Rejection 上传被拒绝的原因
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "attachment rejected: " + r.Reason
}

// NewUploadPolicy 创建上传检查器，maxFileSize <= 0 时使用默认上限
func NewUploadPolicy(maxFileSize int64) *UploadPolicy {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxUploadSize
	}
	return &UploadPolicy{
		maxFileSize: maxFileSize,
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".js":  true,
			".jar": true,
			".php": true,
			".asp": true,
			".jsp": true,
			".msi": true,
			".ps1": true,
		},
	}
}

// MaxFileSize 返回大小上限
func (p *UploadPolicy) MaxFileSize() int64 {
	return p.maxFileSize
}

// Check 检查附件，返回规范化后的 Content-Type。
//
// 客户端没有声明类型或声明无法解析时按内容嗅探。
func (p *UploadPolicy) Check(filename string, content []byte, declaredType string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", &Rejection{Reason: "file name is empty"}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if p.dangerousExtensions[ext] {
		return "", &Rejection{Reason: "dangerous file extension " + ext}
	}

	if int64(len(content)) > p.maxFileSize {
		return "", &Rejection{Reason: fmt.Sprintf("file exceeds %d bytes", p.maxFileSize)}
	}

	if isExecutable(content) {
		return "", &Rejection{Reason: "executable content"}
	}

	contentType := normalizeType(declaredType)
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}
	return contentType, nil
}

func normalizeType(declared string) string {
	if declared == "" {
		return ""
	}
	mediaType, params, err := mime.ParseMediaType(declared)
	if err != nil || mediaType == "application/octet-stream" {
		return ""
	}
	return mime.FormatMediaType(mediaType, params)
}

// 可执行文件魔数
var executableSignatures = [][]byte{
	{0x4D, 0x5A},             // PE executable
	{0x7F, 0x45, 0x4C, 0x46}, // ELF executable
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O executable
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O executable (reverse)
}

func isExecutable(content []byte) bool {
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(content, sig) {
			return true
		}
	}
	return false
}
