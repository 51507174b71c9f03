// Package catalog reads the store's metadata catalog to find the physical tables
// that already exist for a partitioned entity.
//
// Discovery runs once, when a router is constructed. The result seeds the
// router's tail registry and is discarded afterwards.
package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/arkilian/tailroute/pkg/types"
)

// Lister enumerates the tables of one schema in the store's metadata catalog.
// Both SQLiteLister and PostgresLister implement this interface.
type Lister interface {
	// ListTables returns every base table in schema. An empty schema means the
	// store's default schema.
	ListTables(ctx context.Context, schema string) ([]types.DiscoveredTable, error)
}

// ListerFunc adapts a function to the Lister interface.
type ListerFunc func(ctx context.Context, schema string) ([]types.DiscoveredTable, error)

// ListTables calls f(ctx, schema).
func (f ListerFunc) ListTables(ctx context.Context, schema string) ([]types.DiscoveredTable, error) {
	return f(ctx, schema)
}

// DiscoverTails returns the sorted, de-duplicated tails of every physical table
// belonging to entity. The template table and names with an empty tail are skipped.
func DiscoverTails(ctx context.Context, lister Lister, entity types.Entity) ([]string, error) {
	tables, err := DiscoverTables(ctx, lister, entity)
	if err != nil {
		return nil, err
	}
	tails := make([]string, len(tables))
	for i, t := range tables {
		tails[i] = t.Tail
	}
	return tails, nil
}

// DiscoverTables is DiscoverTails keeping the catalog spelling of each table.
// When two tables differ only in case, the first one listed wins.
func DiscoverTables(ctx context.Context, lister Lister, entity types.Entity) ([]types.PartitionTable, error) {
	entity = entity.WithDefaults()
	tables, err := lister.ListTables(ctx, entity.Schema)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(tables))
	out := make([]types.PartitionTable, 0, len(tables))
	for _, table := range tables {
		if strings.EqualFold(table.Name, entity.Template) {
			continue
		}
		tail, ok := entity.TailOf(table.Name)
		if !ok {
			continue
		}
		if _, dup := seen[tail]; dup {
			continue
		}
		seen[tail] = struct{}{}
		out = append(out, types.PartitionTable{Tail: tail, Table: table.Name})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Tail < out[j].Tail })
	return out, nil
}
