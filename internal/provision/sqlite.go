package provision

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

var (
	createTableRe = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(?:"(?:[^"]|"")+"|` + "`[^`]+`" + `|\[[^\]]+\]|[^\s(]+)\s*(\(.*)$`)
	createIndexRe = regexp.MustCompile(`(?is)^\s*CREATE\s+(UNIQUE\s+)?INDEX\s+(?:IF\s+NOT\s+EXISTS\s+)?("(?:[^"]|"")+"|` + "`[^`]+`" + `|\[[^\]]+\]|[^\s(]+)\s+ON\s+(?:"(?:[^"]|"")+"|` + "`[^`]+`" + `|\[[^\]]+\]|[^\s(]+)\s*(\(.*)$`)
)

// SQLiteCreator clones a template table inside a SQLite database.
// The template's CREATE TABLE and CREATE INDEX statements are read from
// sqlite_master and replayed against the new table name.
type SQLiteCreator struct {
	db *sql.DB
}

// NewSQLiteCreator creates a creator over an open SQLite database.
func NewSQLiteCreator(db *sql.DB) *SQLiteCreator {
	return &SQLiteCreator{db: db}
}

// CreateTable creates entity.TableName(tail) with the template's columns and indexes.
func (c *SQLiteCreator) CreateTable(ctx context.Context, entity types.Entity, tail string) error {
	entity = entity.WithDefaults()
	table := entity.TableName(tail)
	master := "sqlite_master"
	if entity.Schema != "" {
		master = quoteIdent(entity.Schema) + ".sqlite_master"
	}

	var tableSQL string
	err := c.db.QueryRowContext(ctx,
		`SELECT sql FROM `+master+` WHERE type = 'table' AND name = ? COLLATE NOCASE`,
		entity.Template).Scan(&tableSQL)
	if err == sql.ErrNoRows {
		return tailerrors.NewProvisionError(tailerrors.CodeTemplateNotFound,
			fmt.Sprintf("provision: template table %q not found", entity.Template), nil).
			WithDetails(ddlDetails(entity, tail))
	}
	if err != nil {
		return wrapDDLError(ctx, entity, tail, err)
	}

	stmts, err := cloneSQLiteDDL(tableSQL, entity.Schema, table)
	if err != nil {
		return err
	}

	indexSQL, err := c.templateIndexes(ctx, master, entity.Template)
	if err != nil {
		return wrapDDLError(ctx, entity, tail, err)
	}
	for _, idx := range indexSQL {
		stmt, err := cloneSQLiteIndex(idx, entity.Schema, table, tail)
		if err != nil {
			return err
		}
		stmts = append(stmts, stmt)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDDLError(ctx, entity, tail, err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return wrapDDLError(ctx, entity, tail, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapDDLError(ctx, entity, tail, err)
	}
	return nil
}

// templateIndexes returns the explicit index definitions of the template.
// Automatic indexes (PRIMARY KEY, UNIQUE constraints) have a NULL sql and come
// back with the cloned CREATE TABLE.
func (c *SQLiteCreator) templateIndexes(ctx context.Context, master, template string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT sql FROM `+master+` WHERE type = 'index' AND tbl_name = ? COLLATE NOCASE AND sql IS NOT NULL ORDER BY name`,
		template)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// cloneSQLiteDDL rewrites a CREATE TABLE statement to target table.
func cloneSQLiteDDL(templateSQL, schema, table string) ([]string, error) {
	m := createTableRe.FindStringSubmatch(templateSQL)
	if m == nil {
		return nil, tailerrors.NewProvisionError(tailerrors.CodeDDLFailed,
			fmt.Sprintf("provision: cannot parse template DDL for %s", table), nil)
	}
	return []string{"CREATE TABLE IF NOT EXISTS " + qualified(schema, table) + " " + m[1]}, nil
}

// cloneSQLiteIndex rewrites a CREATE INDEX statement to target table.
// Index names are global in SQLite, so the tail is appended to keep them unique.
func cloneSQLiteIndex(indexSQL, schema, table, tail string) (string, error) {
	m := createIndexRe.FindStringSubmatch(indexSQL)
	if m == nil {
		return "", tailerrors.NewProvisionError(tailerrors.CodeDDLFailed,
			fmt.Sprintf("provision: cannot parse template index for %s", table), nil)
	}
	name := unquoteIdent(m[2]) + "_" + tail
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s %s",
		strings.ToUpper(m[1]), qualified(schema, name), quoteIdent(table), m[3]), nil
}

func qualified(schema, name string) string {
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func unquoteIdent(s string) string {
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"':
			return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
		case s[0] == '`' && s[len(s)-1] == '`', s[0] == '[' && s[len(s)-1] == ']':
			return s[1 : len(s)-1]
		}
	}
	return s
}

// wrapDDLError classifies a failed DDL call as a timeout or a generic DDL failure.
func wrapDDLError(ctx context.Context, entity types.Entity, tail string, err error) error {
	table := entity.TableName(tail)
	if ctx.Err() != nil {
		return tailerrors.NewProvisionError(tailerrors.CodeProvisionTimeout,
			fmt.Sprintf("provision: creating %s did not finish", table), err).
			WithDetails(ddlDetails(entity, tail))
	}
	return tailerrors.NewProvisionError(tailerrors.CodeDDLFailed,
		fmt.Sprintf("provision: failed to create %s", table), err).
		WithDetails(ddlDetails(entity, tail))
}

func ddlDetails(entity types.Entity, tail string) map[string]interface{} {
	return map[string]interface{}{
		"entity":   entity.Name,
		"tail":     tail,
		"table":    entity.TableName(tail),
		"template": entity.Template,
	}
}
