package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	t.Run("分号分割并去掉注释", func(t *testing.T) {
		sql := "-- header; with semicolon\nCREATE TABLE a (id INT);\n\n-- second\nCREATE INDEX idx ON a (id);\n"
		stmts := splitStatements(sql)
		require.Len(t, stmts, 2)
		assert.Equal(t, "CREATE TABLE a (id INT);", stmts[0])
		assert.Equal(t, "CREATE INDEX idx ON a (id);", stmts[1])
	})

	t.Run("字符串中的分号不分割", func(t *testing.T) {
		stmts := splitStatements("INSERT INTO a VALUES ('x;y');SELECT 1")
		require.Len(t, stmts, 2)
		assert.Equal(t, "INSERT INTO a VALUES ('x;y');", stmts[0])
		assert.Equal(t, "SELECT 1", stmts[1])
	})

	t.Run("只有注释", func(t *testing.T) {
		assert.Empty(t, splitStatements("-- nothing here\n"))
	})
}

func TestBundledMigrationsParse(t *testing.T) {
	for _, dbType := range []string{"postgres", "mysql"} {
		for _, action := range []string{"up", "down"} {
			_, content, err := findMigration(filepath.Join("..", "..", "migrations"), dbType, action)
			require.NoError(t, err, dbType+" "+action)
			stmts := splitStatements(string(content))
			assert.NotEmpty(t, stmts, dbType+" "+action)
		}
	}

	_, content, err := findMigration(filepath.Join("..", "..", "migrations"), "postgres", "up")
	require.NoError(t, err)
	assert.Contains(t, string(content), "idx_tkt_email_slot ON ticket_emails (env_id, subject, is_deleted, thread, from_address)")

	_, content, err = findMigration(filepath.Join("..", "..", "migrations"), "mysql", "up")
	require.NoError(t, err)
	assert.Contains(t, string(content), "(env_id, subject(191), is_deleted, thread, from_address)")
}

func TestFindMigration_Missing(t *testing.T) {
	_, _, err := findMigration(t.TempDir(), "postgres", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration file not found")
}

func TestFindMigration_CustomDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mysql"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mysql", "001_initial_schema.down.sql"), []byte("DROP TABLE x;"), 0o644))

	path, content, err := findMigration(dir, "mysql", "down")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mysql", "001_initial_schema.down.sql"), path)
	assert.Equal(t, "DROP TABLE x;", string(content))
}

func TestApply(t *testing.T) {
	t.Run("全部成功后提交", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE a (id INT);").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE INDEX i ON a (id);").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		var seen []string
		err = apply(db, []string{"CREATE TABLE a (id INT);", "CREATE INDEX i ON a (id);"}, func(_ int, s string) {
			seen = append(seen, s)
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"CREATE TABLE a (id INT);", "CREATE INDEX i ON a (id);"}, seen)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("失败时回滚", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE a (id INT);").WillReturnError(errors.New("syntax error"))
		mock.ExpectRollback()

		err = apply(db, []string{"CREATE TABLE a (id INT);", "SELECT 1;"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "statement 1")
		assert.Contains(t, err.Error(), "syntax error")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "CREATE TABLE a (", summarize("-- c\n  CREATE TABLE a (\n id INT\n);"))
	long := "CREATE TABLE very_long_table_name_that_goes_on_and_on_and_on_forever_and_ever (id INT)"
	assert.Equal(t, long[:60]+"...", summarize(long))
}
