package domain

import (
	"errors"
	"net/mail"
	"strings"
)

// 用户输入校验错误
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrPasswordTooShort = errors.New("password too short (min 8 chars)")
	ErrPasswordTooLong  = errors.New("password too long (max 72 chars)")
	ErrNameRequired     = errors.New("first name can't be empty")
)

const (
	MaxEmailLength    = 254
	MinPasswordLength = 8
	// bcrypt 只使用前 72 字节
	MaxPasswordLength = 72
)

// ValidateEmail 校验邮箱地址格式
func ValidateEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > MaxEmailLength {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	for _, r := range parts[0] {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || strings.ContainsRune("._-+", r)) {
			return false
		}
	}
	if !strings.Contains(parts[1], ".") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// ValidatePassword 校验密码长度
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// Validate 校验用户基本信息，姓可以为空
func (u *User) Validate() error {
	if strings.TrimSpace(u.FirstName) == "" {
		return ErrNameRequired
	}
	if len(u.Email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	if !ValidateEmail(u.Email) {
		return ErrInvalidEmail
	}
	return nil
}
