// Package provision creates the physical table for a new tail by cloning the
// schema of the entity's template table.
package provision

import (
	"context"

	"github.com/arkilian/tailroute/pkg/types"
)

// TableCreator performs the DDL that creates one physical table.
// Implementations must be idempotent: creating an existing table is not an error.
type TableCreator interface {
	CreateTable(ctx context.Context, entity types.Entity, tail string) error
}

// CreatorFunc adapts a function to the TableCreator interface.
type CreatorFunc func(ctx context.Context, entity types.Entity, tail string) error

// CreateTable calls f(ctx, entity, tail).
func (f CreatorFunc) CreateTable(ctx context.Context, entity types.Entity, tail string) error {
	return f(ctx, entity, tail)
}
