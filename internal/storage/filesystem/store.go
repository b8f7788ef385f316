package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileNotFound 附件文件不存在
var ErrFileNotFound = errors.New("attachment file not found")

// Store 附件文件存储（drive）
//
// 目录结构: {basePath}/{envID}/{ticketRef}/{attachmentID}/{fileName}
// 数据库中只保存相对位置 {envID}/{ticketRef}/{attachmentID}。
type Store struct {
	basePath      string
	platformUtils *PlatformUtils
}

// NewStore 创建附件存储实例，基础目录不存在时自动创建
func NewStore(basePath string) (*Store, error) {
	platformUtils := NewPlatformUtils()

	if err := platformUtils.ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	normalizedPath := platformUtils.NormalizePath(basePath)
	if err := os.MkdirAll(normalizedPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{
		basePath:      normalizedPath,
		platformUtils: platformUtils,
	}, nil
}

// BasePath 返回存储根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// ========== 附件存储 ==========

// Location 计算附件的相对位置
func Location(envID, ticketRef, attachmentID string) string {
	return strings.Join([]string{envID, ticketRef, attachmentID}, "/")
}

// SaveAttachment 写入附件内容，返回相对位置
//
// 参数:
//   - envID: 环境 ID
//   - ticketRef: 工单记录 ID（上传孤立文件时为 "Orphan Files"）
//   - attachmentID: 附件记录 ID
//   - fileName: 原始文件名，写盘前会被清理
//
// 返回值:
//   - string: 相对位置 {envID}/{ticketRef}/{attachmentID}
//   - error: 路径非法或写入失败
func (s *Store) SaveAttachment(envID, ticketRef, attachmentID, fileName string, content []byte) (string, error) {
	location := Location(envID, ticketRef, attachmentID)
	dir, err := s.dirFor(location)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}

	// 先写临时文件再重命名，避免下载到写了一半的文件
	target := filepath.Join(dir, s.platformUtils.SanitizeFilename(fileName))
	tmp := target + ".part"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize attachment: %w", err)
	}

	return location, nil
}

// AbsolutePath 返回附件文件的绝对路径，文件不存在时返回 ErrFileNotFound
func (s *Store) AbsolutePath(location, fileName string) (string, error) {
	dir, err := s.dirFor(location)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, s.platformUtils.SanitizeFilename(fileName))
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrFileNotFound
		}
		return "", fmt.Errorf("failed to stat attachment: %w", err)
	}
	if info.IsDir() {
		return "", ErrFileNotFound
	}
	return path, nil
}

// ReadAttachment 读取附件内容
func (s *Store) ReadAttachment(location, fileName string) ([]byte, error) {
	path, err := s.AbsolutePath(location, fileName)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return content, nil
}

// DeleteAttachment 删除附件目录，目录不存在不算错误
func (s *Store) DeleteAttachment(location string) error {
	dir, err := s.dirFor(location)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

// dirFor 把相对位置转换为绝对目录，拒绝越出根目录的路径
func (s *Store) dirFor(location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("empty attachment location")
	}
	if err := s.platformUtils.ValidatePath(location); err != nil {
		return "", err
	}

	dir := filepath.Join(s.basePath, filepath.FromSlash(location))
	if !s.platformUtils.Within(s.basePath, dir) || dir == s.basePath {
		return "", fmt.Errorf("location escapes drive: %s", location)
	}
	return dir, nil
}
