package domain

import (
	"strconv"
	"time"
)

// 默认审计操作人
const DefaultActor = "SITE-ADMIN"

// 工单默认值
const (
	DefaultTicketOwner   = "L1 Team"
	TicketStatusNew      = "New"
	TicketChannelEmail   = "Email"
	DefaultEmailPriority = "medium"
)

// Audit 所有持久化记录共享的审计字段。
type Audit struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy" gorm:"type:varchar(100);default:'SITE-ADMIN'"`
	UpdatedBy string    `json:"updatedBy" gorm:"type:varchar(100);default:'SITE-ADMIN'"`
	IsDeleted bool      `json:"isDeleted" gorm:"default:false;index"`
}

// Touch 填充缺省的审计字段
func (a *Audit) Touch(now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.CreatedBy == "" {
		a.CreatedBy = DefaultActor
	}
	if a.UpdatedBy == "" {
		a.UpdatedBy = DefaultActor
	}
}

// Ticket 表示一个客户问题工单。
//
// (EnvID, Subject) 在未删除的工单中唯一，是入站邮件归属工单的唯一关联键。
type Ticket struct {
	ID           string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EnvID        string `json:"envID" gorm:"type:varchar(64);not null;uniqueIndex:idx_ticket_env_tid;uniqueIndex:idx_ticket_env_num;index:idx_ticket_env_subject"`
	TicketID     string `json:"ticketID" gorm:"type:varchar(32);not null;uniqueIndex:idx_ticket_env_tid"`
	TicketNumber int64  `json:"ticketNumber" gorm:"not null;uniqueIndex:idx_ticket_env_num"`
	TicketOwner  string `json:"ticketOwner" gorm:"type:varchar(200)"`
	ContactName  string `json:"contactName" gorm:"type:varchar(200)"`
	ContactEmail string `json:"contactEmail" gorm:"type:varchar(255)"`
	Subject      string `json:"subject" gorm:"type:varchar(500);not null;index:idx_ticket_env_subject"`
	ThreadCount  int    `json:"threadCount" gorm:"not null;default:1"`
	Status       string `json:"status" gorm:"type:varchar(50);index"`
	Seen         bool   `json:"seen" gorm:"default:false"`

	Priority                      string     `json:"priority,omitempty" gorm:"type:varchar(50)"`
	Resolution                    string     `json:"resolution,omitempty" gorm:"type:text"`
	Classifications               string     `json:"classifications,omitempty" gorm:"type:varchar(100)"`
	Category                      string     `json:"category,omitempty" gorm:"type:varchar(100)"`
	SubCategory                   string     `json:"subCategory,omitempty" gorm:"type:varchar(100)"`
	Sites                         string     `json:"sites,omitempty" gorm:"type:varchar(100)"`
	Company                       string     `json:"company,omitempty" gorm:"type:varchar(100)"`
	BugType                       string     `json:"bugType,omitempty" gorm:"type:varchar(100)"`
	Channel                       string     `json:"channel,omitempty" gorm:"type:varchar(50)"`
	TechnicalTeamAssistanceNeeded bool       `json:"technicalTeamAssistanceNeeded"`
	Description                   string     `json:"description,omitempty" gorm:"type:text"`
	DueDate                       *time.Time `json:"dueDate,omitempty"`

	Audit `gorm:"embedded"`
}

// TicketPatch 工单部分更新，nil 字段保持不变。
type TicketPatch struct {
	TicketOwner                   *string    `json:"ticketOwner,omitempty"`
	ContactName                   *string    `json:"contactName,omitempty"`
	ContactEmail                  *string    `json:"contactEmail,omitempty"`
	ThreadCount                   *int       `json:"threadCount,omitempty"`
	Status                        *string    `json:"status,omitempty"`
	Seen                          *bool      `json:"seen,omitempty"`
	Priority                      *string    `json:"priority,omitempty"`
	Resolution                    *string    `json:"resolution,omitempty"`
	Classifications               *string    `json:"classifications,omitempty"`
	Category                      *string    `json:"category,omitempty"`
	SubCategory                   *string    `json:"subCategory,omitempty"`
	Sites                         *string    `json:"sites,omitempty"`
	Company                       *string    `json:"company,omitempty"`
	BugType                       *string    `json:"bugType,omitempty"`
	TechnicalTeamAssistanceNeeded *bool      `json:"technicalTeamAssistanceNeeded,omitempty"`
	Description                   *string    `json:"description,omitempty"`
	DueDate                       *time.Time `json:"dueDate,omitempty"`
	IsDeleted                     *bool      `json:"isDeleted,omitempty"`
	UpdatedBy                     *string    `json:"updatedBy,omitempty"`

	// ExpectedThreadCount 非零时作为条件更新的前置值，不匹配返回 ConsistencyError
	ExpectedThreadCount int `json:"-"`
}

// Apply 将补丁应用到工单
func (p TicketPatch) Apply(t *Ticket) {
	setString(&t.TicketOwner, p.TicketOwner)
	setString(&t.ContactName, p.ContactName)
	setString(&t.ContactEmail, p.ContactEmail)
	if p.ThreadCount != nil {
		t.ThreadCount = *p.ThreadCount
	}
	setString(&t.Status, p.Status)
	if p.Seen != nil {
		t.Seen = *p.Seen
	}
	setString(&t.Priority, p.Priority)
	setString(&t.Resolution, p.Resolution)
	setString(&t.Classifications, p.Classifications)
	setString(&t.Category, p.Category)
	setString(&t.SubCategory, p.SubCategory)
	setString(&t.Sites, p.Sites)
	setString(&t.Company, p.Company)
	setString(&t.BugType, p.BugType)
	if p.TechnicalTeamAssistanceNeeded != nil {
		t.TechnicalTeamAssistanceNeeded = *p.TechnicalTeamAssistanceNeeded
	}
	setString(&t.Description, p.Description)
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	if p.IsDeleted != nil {
		t.IsDeleted = *p.IsDeleted
	}
	setString(&t.UpdatedBy, p.UpdatedBy)
}

// Columns 返回补丁对应的数据库列
func (p TicketPatch) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	put := func(col string, v interface{}, ok bool) {
		if ok {
			cols[col] = v
		}
	}
	put("ticket_owner", deref(p.TicketOwner), p.TicketOwner != nil)
	put("contact_name", deref(p.ContactName), p.ContactName != nil)
	put("contact_email", deref(p.ContactEmail), p.ContactEmail != nil)
	if p.ThreadCount != nil {
		cols["thread_count"] = *p.ThreadCount
	}
	put("status", deref(p.Status), p.Status != nil)
	if p.Seen != nil {
		cols["seen"] = *p.Seen
	}
	put("priority", deref(p.Priority), p.Priority != nil)
	put("resolution", deref(p.Resolution), p.Resolution != nil)
	put("classifications", deref(p.Classifications), p.Classifications != nil)
	put("category", deref(p.Category), p.Category != nil)
	put("sub_category", deref(p.SubCategory), p.SubCategory != nil)
	put("sites", deref(p.Sites), p.Sites != nil)
	put("company", deref(p.Company), p.Company != nil)
	put("bug_type", deref(p.BugType), p.BugType != nil)
	if p.TechnicalTeamAssistanceNeeded != nil {
		cols["technical_team_assistance_needed"] = *p.TechnicalTeamAssistanceNeeded
	}
	put("description", deref(p.Description), p.Description != nil)
	if p.DueDate != nil {
		cols["due_date"] = *p.DueDate
	}
	if p.IsDeleted != nil {
		cols["is_deleted"] = *p.IsDeleted
	}
	put("updated_by", deref(p.UpdatedBy), p.UpdatedBy != nil)
	return cols
}

// IsEmpty 补丁是否没有任何字段
func (p TicketPatch) IsEmpty() bool {
	return len(p.Columns()) == 0
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// FieldKind 筛选字段的值类型
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindBool
)

// FilterField 描述一个可筛选字段
type FilterField struct {
	Column string
	Kind   FieldKind
}

// TicketFilterable 筛选查询允许使用的字段（json 名 -> 列）
var TicketFilterable = map[string]FilterField{
	"envID":        {Column: "env_id"},
	"ticketID":     {Column: "ticket_id"},
	"ticketNumber": {Column: "ticket_number", Kind: KindNumber},
	"ticketOwner":  {Column: "ticket_owner"},
	"contactName":  {Column: "contact_name"},
	"contactEmail": {Column: "contact_email"},
	"subject":      {Column: "subject"},
	"status":       {Column: "status"},
	"seen":         {Column: "seen", Kind: KindBool},
	"priority":     {Column: "priority"},
	"category":     {Column: "category"},
	"subCategory":  {Column: "sub_category"},
	"sites":        {Column: "sites"},
	"company":      {Column: "company"},
	"bugType":      {Column: "bug_type"},
	"channel":      {Column: "channel"},
}

// FieldValue 以字符串形式返回工单的可筛选字段值
func (t *Ticket) FieldValue(field string) (string, bool) {
	switch field {
	case "envID":
		return t.EnvID, true
	case "ticketID":
		return t.TicketID, true
	case "ticketNumber":
		return strconv.FormatInt(t.TicketNumber, 10), true
	case "ticketOwner":
		return t.TicketOwner, true
	case "contactName":
		return t.ContactName, true
	case "contactEmail":
		return t.ContactEmail, true
	case "subject":
		return t.Subject, true
	case "status":
		return t.Status, true
	case "seen":
		return strconv.FormatBool(t.Seen), true
	case "priority":
		return t.Priority, true
	case "category":
		return t.Category, true
	case "subCategory":
		return t.SubCategory, true
	case "sites":
		return t.Sites, true
	case "company":
		return t.Company, true
	case "bugType":
		return t.BugType, true
	case "channel":
		return t.Channel, true
	}
	return "", false
}
