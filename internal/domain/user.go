package domain

import "strings"

// UserRole 用户角色
type UserRole string

const (
	RoleUser  UserRole = "User"
	RoleAdmin UserRole = "Admin"
)

// User 操作员账户
type User struct {
	ID           string   `json:"id" gorm:"primaryKey;type:varchar(36)"`
	FirstName    string   `json:"firstName" gorm:"type:varchar(100);not null"`
	LastName     string   `json:"lastName" gorm:"type:varchar(100);not null"`
	Email        string   `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	PasswordHash string   `json:"-" gorm:"type:varchar(255)"` // 不返回给前端
	Active       bool     `json:"active" gorm:"default:true"`
	Role         UserRole `json:"role" gorm:"type:varchar(20);default:'User'"`

	Audit `gorm:"embedded"`
}

// FullName 返回 "名 姓"
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsAdmin 判断用户是否为管理员
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// UserPatch 用户资料更新
type UserPatch struct {
	FirstName *string   `json:"firstName,omitempty"`
	LastName  *string   `json:"lastName,omitempty"`
	Active    *bool     `json:"active,omitempty"`
	Role      *UserRole `json:"role,omitempty"`
}

// Apply 应用到用户
func (p UserPatch) Apply(u *User) {
	if p.FirstName != nil {
		u.FirstName = strings.TrimSpace(*p.FirstName)
	}
	if p.LastName != nil {
		u.LastName = strings.TrimSpace(*p.LastName)
	}
	if p.Active != nil {
		u.Active = *p.Active
	}
	if p.Role != nil {
		u.Role = *p.Role
	}
}
