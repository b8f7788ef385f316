package domain

// EnvConfiguration 环境内工单可选值
type EnvConfiguration struct {
	Status          []string `json:"status"`
	Classifications []string `json:"classifications"`
	Category        []string `json:"category"`
	SubCategory     []string `json:"subCategory"`
	Sites           []string `json:"sites"`
	Company         []string `json:"company"`
	BugType         []string `json:"bugType"`
}

// Environment 租户/安装范围，大部分唯一约束按环境划分
type Environment struct {
	EnvID         string           `json:"envID" gorm:"primaryKey;type:varchar(64)"`
	Name          string           `json:"name" gorm:"type:varchar(200);not null"`
	URL           string           `json:"url" gorm:"type:varchar(500)"`
	Email         string           `json:"email" gorm:"type:varchar(255)"`
	Phone         string           `json:"phone" gorm:"type:varchar(50)"`
	Configuration EnvConfiguration `json:"configuration" gorm:"serializer:json;type:text"`

	Audit `gorm:"embedded"`
}

// DefaultEnvConfiguration 新环境的默认可选值
func DefaultEnvConfiguration() EnvConfiguration {
	return EnvConfiguration{
		Status:   []string{TicketStatusNew, "Open", "In Progress", "Resolved", "Closed"},
		Category: []string{},
	}
}
