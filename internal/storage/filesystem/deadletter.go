package filesystem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"helpdesk/backend/internal/domain"
)

// DeadLetterWriter 把处理失败的入站邮件写成 JSON 文件，供人工排查或重放
type DeadLetterWriter struct {
	dir string
}

// NewDeadLetterWriter 创建死信目录写入器
func NewDeadLetterWriter(dir string) (*DeadLetterWriter, error) {
	p := NewPlatformUtils()
	normalized := p.NormalizePath(dir)
	if err := os.MkdirAll(normalized, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
	}
	return &DeadLetterWriter{dir: normalized}, nil
}

// Dir 返回死信目录
func (w *DeadLetterWriter) Dir() string {
	return w.dir
}

// Write 写入一封失败的邮件，返回文件路径
func (w *DeadLetterWriter) Write(mail *domain.InboundMail) (string, error) {
	data, err := json.Marshal(mail)
	if err != nil {
		return "", fmt.Errorf("failed to encode mail: %w", err)
	}

	path := filepath.Join(w.dir, DeadLetterName(mail.Subject, domain.NewShortID()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write dead letter: %w", err)
	}
	return path, nil
}

// List 返回目录中全部死信文件（按文件名排序）
func (w *DeadLetterWriter) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "ERROR-*-watcher-email.json"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// Read 读取一封死信邮件
func (w *DeadLetterWriter) Read(path string) (*domain.InboundMail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var mail domain.InboundMail
	if err := json.Unmarshal(data, &mail); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return &mail, nil
}

// Remove 删除已重放成功的死信，只允许删除死信目录下的文件
func (w *DeadLetterWriter) Remove(path string) error {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel != filepath.Base(path) {
		return fmt.Errorf("%s is outside the dead letter directory", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeadLetterName 生成死信文件名: ERROR-<主题中的字母和空格>-<随机串>-watcher-email.json
func DeadLetterName(subject, random string) string {
	letters := strings.Map(func(r rune) rune {
		if r == ' ' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return r
		}
		return -1
	}, subject)
	return fmt.Sprintf("ERROR-%s-%s-watcher-email.json", letters, random)
}
