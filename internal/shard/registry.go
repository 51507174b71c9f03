// Package shard routes a partitioned entity to its physical tables.
//
// A Router owns one Registry of known tails for one entity. The registry is
// seeded from the store's catalog when the router is built and then only grows:
// the Provisioner adds a tail after it has created (or, under the optimistic
// failure policy, attempted to create) the tail's table. Reads never take a lock.
package shard

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/arkilian/tailroute/pkg/types"
)

// Registry is a concurrency-safe, grow-only set of tails, each mapped to its
// physical table. Lookups are case-insensitive; table names keep the spelling
// found in the catalog. Only the owning Router's Provisioner mutates it.
type Registry struct {
	entity types.Entity
	tables sync.Map // normalized tail -> physical table name
	size   atomic.Int64
}

func newRegistry(entity types.Entity, tables ...types.PartitionTable) *Registry {
	r := &Registry{entity: entity}
	for _, t := range tables {
		r.addTable(t.Tail, t.Table)
	}
	return r
}

// Contains reports whether tail is known. Lock-free.
func (r *Registry) Contains(tail string) bool {
	_, ok := r.tables.Load(types.NormalizeTail(tail))
	return ok
}

// Table returns the physical table of a known tail.
func (r *Registry) Table(tail string) (string, bool) {
	v, ok := r.tables.Load(types.NormalizeTail(tail))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Len returns the number of known tails.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Snapshot returns the known tails, sorted.
func (r *Registry) Snapshot() []string {
	out := make([]string, 0, r.Len())
	r.tables.Range(func(key, _ interface{}) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Tables returns the known tails with their tables, sorted by tail.
func (r *Registry) Tables() []types.PartitionTable {
	out := make([]types.PartitionTable, 0, r.Len())
	r.tables.Range(func(key, value interface{}) bool {
		out = append(out, types.PartitionTable{Tail: key.(string), Table: value.(string)})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Tail < out[j].Tail })
	return out
}

// add inserts a tail whose table follows the entity's naming and reports
// whether it was new.
func (r *Registry) add(tail string) bool {
	tail = types.NormalizeTail(tail)
	return r.addTable(tail, r.entity.TableName(tail))
}

// addTable inserts tail with an explicit physical table and reports whether it was new.
func (r *Registry) addTable(tail, table string) bool {
	tail = types.NormalizeTail(tail)
	if tail == "" {
		return false
	}
	if table == "" {
		table = r.entity.TableName(tail)
	}
	if _, loaded := r.tables.LoadOrStore(tail, table); loaded {
		return false
	}
	r.size.Add(1)
	return true
}
