package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteMainSchema is the name SQLite gives the primary database.
const SQLiteMainSchema = "main"

// SQLiteLister lists tables from sqlite_master.
type SQLiteLister struct {
	db *sql.DB
}

// NewSQLiteLister creates a lister over an open SQLite database.
func NewSQLiteLister(db *sql.DB) *SQLiteLister {
	return &SQLiteLister{db: db}
}

// ListTables returns the user tables of schema (main by default).
// Internal sqlite_* tables are excluded.
func (l *SQLiteLister) ListTables(ctx context.Context, schema string) ([]types.DiscoveredTable, error) {
	if schema == "" {
		schema = SQLiteMainSchema
	}

	query := fmt.Sprintf(`
		SELECT name FROM %s.sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%%'
		ORDER BY name`, quoteSQLiteIdent(schema))

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, tailerrors.NewCatalogError(tailerrors.CodeCatalogUnavailable,
			fmt.Sprintf("catalog: failed to list tables in %s", schema), err)
	}
	defer rows.Close()

	var tables []types.DiscoveredTable
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan table name: %w", err)
		}
		tables = append(tables, types.DiscoveredTable{Schema: schema, Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, tailerrors.NewCatalogError(tailerrors.CodeCatalogUnavailable,
			fmt.Sprintf("catalog: failed to list tables in %s", schema), err)
	}
	return tables, nil
}

// quoteSQLiteIdent double-quotes an identifier, escaping embedded quotes.
func quoteSQLiteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
