package provision

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arkilian/tailroute/pkg/types"
	"github.com/lib/pq"
)

// PostgresCreator clones a template table with CREATE TABLE ... (LIKE ... INCLUDING ALL),
// which copies columns, defaults, constraints and indexes.
type PostgresCreator struct {
	db *sql.DB
}

// NewPostgresCreator creates a creator over an open PostgreSQL database.
func NewPostgresCreator(db *sql.DB) *PostgresCreator {
	return &PostgresCreator{db: db}
}

// CreateTable creates entity.TableName(tail) in entity.Schema.
func (c *PostgresCreator) CreateTable(ctx context.Context, entity types.Entity, tail string) error {
	entity = entity.WithDefaults()
	table := entity.TableName(tail)

	if _, err := c.db.ExecContext(ctx, postgresCloneSQL(entity, table)); err != nil {
		return wrapDDLError(ctx, entity, tail, err)
	}
	return nil
}

func postgresCloneSQL(entity types.Entity, table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING ALL)",
		pgQualified(entity.Schema, table), pgQualified(entity.Schema, entity.Template))
}

func pgQualified(schema, name string) string {
	if schema == "" {
		return pq.QuoteIdentifier(name)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}
