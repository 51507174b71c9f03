package shard

import (
	"strings"

	"github.com/arkilian/tailroute/pkg/types"
)

// TailFilter selects the tails whose tables a query must touch.
type TailFilter func(tail string) bool

// RoutingPolicy names how a query operator is mapped to tails.
type RoutingPolicy string

const (
	// PolicyExactTail routes an equality lookup to the single table of the key's tail.
	PolicyExactTail RoutingPolicy = "exact_tail"

	// PolicyScanAllKnownTails routes every other operator to all tails known when
	// the filter was built. The router has no ordering or bucket-width knowledge,
	// so it cannot exclude any tail without risking missed rows.
	PolicyScanAllKnownTails RoutingPolicy = "scan_all_known_tails"
)

// PolicyFor returns the routing policy applied to op.
func PolicyFor(op types.Operator) RoutingPolicy {
	if op.IsEquality() {
		return PolicyExactTail
	}
	return PolicyScanAllKnownTails
}

func exactTailFilter(tail string) TailFilter {
	return func(candidate string) bool {
		return strings.EqualFold(types.NormalizeTail(candidate), tail)
	}
}

// snapshotFilter matches exactly the given tails. Tails registered after the
// snapshot was taken do not match.
func snapshotFilter(tails []string) TailFilter {
	set := make(map[string]struct{}, len(tails))
	for _, t := range tails {
		set[t] = struct{}{}
	}
	return func(candidate string) bool {
		_, ok := set[types.NormalizeTail(candidate)]
		return ok
	}
}
