package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const migrationName = "001_initial_schema"

// findMigration 在常见位置查找迁移文件，兼容在仓库根目录或 cmd/migrate 下运行
func findMigration(dir, dbType, action string) (string, []byte, error) {
	file := filepath.Join(dir, dbType, fmt.Sprintf("%s.%s.sql", migrationName, action))

	candidates := []string{file}
	if wd, err := os.Getwd(); err == nil && !filepath.IsAbs(file) {
		candidates = append(candidates,
			filepath.Join(wd, file),
			filepath.Join(wd, "..", "..", file),
		)
	}

	for _, path := range candidates {
		content, err := os.ReadFile(path)
		if err == nil {
			return path, content, nil
		}
	}
	return "", nil, fmt.Errorf("migration file not found, tried: %s", strings.Join(candidates, ", "))
}

// apply 在一个事务里按顺序执行迁移语句，任一失败整体回滚。
// MySQL 的 DDL 会隐式提交，回滚只对 PostgreSQL 生效。
func apply(db *sql.DB, stmts []string, progress func(i int, summary string)) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	for i, stmt := range stmts {
		if progress != nil {
			progress(i, summarize(stmt))
		}
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("statement %d (%s): %w", i+1, summarize(stmt), err)
		}
	}
	return tx.Commit()
}

// summarize 取语句首个非注释行用于显示
func summarize(stmt string) string {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if len(line) > 60 {
			return line[:60] + "..."
		}
		return line
	}
	return ""
}

// splitStatements 按分号分割SQL语句，忽略字符串和行注释中的分号
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	var inString, inComment bool
	var stringChar rune

	flush := func() {
		if stmt := strings.TrimSpace(stripComments(current.String())); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			current.WriteRune(r)
			if r == '\n' {
				inComment = false
			}
		case inString:
			current.WriteRune(r)
			if r == stringChar {
				inString = false
			}
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			current.WriteRune(r)
		case r == '\'' || r == '"' || r == '`':
			inString = true
			stringChar = r
			current.WriteRune(r)
		case r == ';':
			current.WriteRune(r)
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return statements
}

// stripComments 去掉语句里整行的注释
func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
