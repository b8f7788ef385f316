package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const shortAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_-"

// 跳过 uuid v4 的版本和变体字节
var shortIndexes = [...]int{0, 1, 2, 3, 4, 5, 7, 9, 10, 11}

// NewID 生成记录主键
func NewID() string {
	return uuid.NewString()
}

// NewShortID 生成 10 位 URL 安全的短 ID，用作工单号和缺失的 Content-ID
func NewShortID() string {
	u := uuid.New()
	b := make([]byte, len(shortIndexes))
	for i, idx := range shortIndexes {
		b[i] = shortAlphabet[u[idx]&63]
	}
	return string(b)
}

// NewMessageID 生成外发邮件的 Message-ID
func NewMessageID(senderAddress string) string {
	host := "localhost"
	if i := strings.LastIndex(senderAddress, "@"); i >= 0 && i < len(senderAddress)-1 {
		host = senderAddress[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", NewShortID(), host)
}
