package catalog

import (
	"context"
	"database/sql"
	"fmt"

	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/pkg/types"
	_ "github.com/lib/pq"
)

const listTablesCurrentSchemaSQL = `
	SELECT table_schema, table_name FROM information_schema.tables
	WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
	ORDER BY table_name`

const listTablesSQL = `
	SELECT table_schema, table_name FROM information_schema.tables
	WHERE table_schema = $1 AND table_type = 'BASE TABLE'
	ORDER BY table_name`

// PostgresLister lists tables from information_schema.tables.
type PostgresLister struct {
	db *sql.DB
}

// NewPostgresLister creates a lister over an open PostgreSQL database.
func NewPostgresLister(db *sql.DB) *PostgresLister {
	return &PostgresLister{db: db}
}

// ListTables returns the base tables of schema, or of current_schema() when schema is empty.
func (l *PostgresLister) ListTables(ctx context.Context, schema string) ([]types.DiscoveredTable, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if schema == "" {
		rows, err = l.db.QueryContext(ctx, listTablesCurrentSchemaSQL)
	} else {
		rows, err = l.db.QueryContext(ctx, listTablesSQL, schema)
	}
	if err != nil {
		return nil, tailerrors.NewCatalogError(tailerrors.CodeCatalogUnavailable,
			fmt.Sprintf("catalog: failed to list tables in schema %q", schema), err)
	}
	defer rows.Close()

	var tables []types.DiscoveredTable
	for rows.Next() {
		var t types.DiscoveredTable
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan table row: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, tailerrors.NewCatalogError(tailerrors.CodeCatalogUnavailable,
			fmt.Sprintf("catalog: failed to list tables in schema %q", schema), err)
	}
	return tables, nil
}
