package storage

import (
	"fmt"
	"strconv"
	"strings"

	"helpdesk/backend/internal/domain"
)

// Predicate 字段等值条件
type Predicate struct {
	Field  string
	Column string
	// Value 已按字段类型转换：string、int64 或 bool
	Value interface{}
}

// TicketFilter 工单筛选条件。
//
// Search 非空时忽略 Predicates：数字搜索匹配工单号（相等或前缀）或主题，
// 其他搜索只匹配主题（不区分大小写的子串）。
type TicketFilter struct {
	EnvID        string
	Search       string
	SearchNumber *int64
	Predicates   []Predicate
	// MatchAll 为 true 时 Predicates 以 AND 组合，否则以 OR 组合
	MatchAll bool
}

// Matches 在内存中判断工单是否满足条件（软删除记录由调用方排除）
func (f TicketFilter) Matches(t *domain.Ticket) bool {
	if f.EnvID != "" && t.EnvID != f.EnvID {
		return false
	}
	if f.Search != "" {
		subjectHit := strings.Contains(strings.ToLower(t.Subject), strings.ToLower(f.Search))
		if f.SearchNumber == nil {
			return subjectHit
		}
		num := strconv.FormatInt(t.TicketNumber, 10)
		return t.TicketNumber == *f.SearchNumber || strings.HasPrefix(num, f.Search) || subjectHit
	}
	if len(f.Predicates) == 0 {
		return true
	}
	for _, p := range f.Predicates {
		got, ok := t.FieldValue(p.Field)
		hit := ok && got == fmt.Sprint(p.Value)
		if f.MatchAll && !hit {
			return false
		}
		if !f.MatchAll && hit {
			return true
		}
	}
	return f.MatchAll
}
