package types

import (
	"sort"
	"strings"
)

// NormalizeTail returns the canonical stored form of a tail.
// Tails compare case-insensitively, so the canonical form is lower case.
func NormalizeTail(tail string) string {
	return strings.ToLower(strings.TrimSpace(tail))
}

// SortedTails returns a sorted copy of tails.
func SortedTails(tails []string) []string {
	out := make([]string, len(tails))
	copy(out, tails)
	sort.Strings(out)
	return out
}

// DiscoveredTable is a table found in the store's metadata catalog at startup.
type DiscoveredTable struct {
	// Schema is the catalog schema the table lives in
	Schema string `json:"schema"`

	// Name is the physical table name
	Name string `json:"name"`
}

// PartitionTable pairs a normalized tail with the physical table holding it.
// Table keeps the catalog spelling, which may differ in case from Name + Separator + Tail.
type PartitionTable struct {
	Tail  string `json:"tail"`
	Table string `json:"table"`
}
