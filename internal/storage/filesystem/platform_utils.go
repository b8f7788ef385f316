package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// maxFilenameLength 附件文件名的最大字节数（保留扩展名）
const maxFilenameLength = 200

// PlatformUtils 路径和文件名的跨平台处理
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// SanitizeFilename 清理附件文件名，确保可以安全写入磁盘
//
// 邮件附件名来自外部发件人，可能带路径、控制字符或超长名称。
func (p *PlatformUtils) SanitizeFilename(filename string) string {
	// 统一分隔符后只保留最后一段
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = filepath.Base(filename)

	filename = removeControlChars(filename)
	for _, char := range p.invalidChars() {
		filename = strings.ReplaceAll(filename, char, "_")
	}

	filename = limitLength(filename, maxFilenameLength)
	filename = strings.Trim(filename, " .")

	if filename == "" || filename == "_" {
		filename = "unnamed"
	}
	return filename
}

// invalidChars 返回当前平台不允许出现在文件名中的字符
func (p *PlatformUtils) invalidChars() []string {
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		return []string{"/", "\x00"}
	}
	return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}
}

// removeControlChars 移除控制字符（包括换行）
func removeControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// limitLength 截断过长的文件名，保留扩展名
func limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	ext := filepath.Ext(s)
	if len(ext) >= maxLen {
		return s[:maxLen]
	}
	return strings.TrimSuffix(s, ext)[:maxLen-len(ext)] + ext
}

// ValidatePath 验证相对路径片段是否安全
func (p *PlatformUtils) ValidatePath(path string) error {
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	for _, segment := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}

// NormalizePath 转换为清理过的绝对路径
func (p *PlatformUtils) NormalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(absPath)
}

// Within 判断 target 是否位于 base 目录之内
func (p *PlatformUtils) Within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
