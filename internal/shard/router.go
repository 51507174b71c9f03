package shard

import (
	"context"
	"fmt"
	"sort"

	"github.com/arkilian/tailroute/internal/catalog"
	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/internal/notify"
	"github.com/arkilian/tailroute/internal/observability"
	"github.com/arkilian/tailroute/internal/provision"
	"github.com/arkilian/tailroute/pkg/types"
	"github.com/sirupsen/logrus"
)

// Router maps partition keys of one entity to physical tables.
type Router struct {
	entity      types.Entity
	registry    *Registry
	resolve     Resolver
	provisioner *Provisioner
	degraded    bool

	log      *logrus.Entry
	metrics  *observability.Metrics
	notifier *notify.Notifier
}

// Stats summarizes a router.
type Stats struct {
	Entity        string
	KnownTails    int
	DegradedStart bool
	ProvisionerStats
}

// New builds the router of entity. The catalog is read once, here, to seed the
// registry; a catalog failure aborts construction unless WithDegradedStart is set.
func New(ctx context.Context, entity types.Entity, lister catalog.Lister, creator provision.TableCreator, opts ...Option) (*Router, error) {
	entity = entity.WithDefaults()
	if err := entity.Validate(); err != nil {
		return nil, tailerrors.Wrap(tailerrors.ErrCategoryValidation, tailerrors.CodeInvalidEntity, "shard: invalid entity", err)
	}
	if lister == nil || creator == nil {
		return nil, tailerrors.NewValidationError(tailerrors.CodeInvalidEntity,
			fmt.Sprintf("shard: entity %s needs both a catalog lister and a table creator", entity.Name))
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithFields(logrus.Fields{"component": "shard", "entity": entity.Name})
	if o.resolver == nil {
		o.resolver = DefaultResolver(entity.TimeLayout)
	}

	r := &Router{
		entity:   entity,
		resolve:  o.resolver,
		log:      o.log,
		metrics:  o.metrics,
		notifier: o.notifier,
	}

	tables, err := catalog.DiscoverTables(ctx, lister, entity)
	if err != nil {
		if !o.degradedStart {
			return nil, tailerrors.NewCatalogError(tailerrors.CodeDiscoveryFailed,
				fmt.Sprintf("shard: failed to discover tables of %s", entity.Name), err)
		}
		r.degraded = true
		tables = nil
		r.metrics.IncDegradedStart(entity.Name)
		r.notifier.Publish(notify.Notification{
			Type:   notify.DegradedStart,
			Entity: entity.Name,
			Error:  err.Error(),
		})
		r.log.WithError(err).Warn("shard: catalog unavailable, starting with an empty tail registry")
	}

	r.registry = newRegistry(entity, tables...)
	r.provisioner = newProvisioner(entity, r.registry, creator, o)
	r.metrics.SetKnownTails(entity.Name, r.registry.Len())

	if !r.degraded {
		r.notifier.Publish(notify.Notification{
			Type:   notify.TailsDiscovered,
			Entity: entity.Name,
			Count:  r.registry.Len(),
		})
		r.log.WithField("tails", r.registry.Len()).Info("shard: discovered partition tables")
	}
	return r, nil
}

// Entity returns the entity descriptor.
func (r *Router) Entity() types.Entity {
	return r.entity
}

// Registry returns the router's tail registry (read-only for callers).
func (r *Router) Registry() *Registry {
	return r.registry
}

// Tails returns the known tails, sorted.
func (r *Router) Tails() []string {
	return r.registry.Snapshot()
}

// TablesByTail returns the known tails with their physical tables, sorted by tail.
func (r *Router) TablesByTail() []types.PartitionTable {
	return r.registry.Tables()
}

// Table returns the physical table of tail: the registered table when the tail
// is known, otherwise the name its table would be created under.
func (r *Router) Table(tail string) string {
	if table, ok := r.registry.Table(tail); ok {
		return table
	}
	return r.entity.TableName(types.NormalizeTail(tail))
}

// Known reports whether tail is in the registry.
func (r *Router) Known(tail string) bool {
	return r.registry.Contains(tail)
}

// Degraded reports whether the router started without catalog data.
func (r *Router) Degraded() bool {
	return r.degraded
}

// Resolve maps a partition key to its tail.
func (r *Router) Resolve(key interface{}) (string, error) {
	tail, err := r.resolve(key)
	if err != nil {
		return "", err
	}
	// Custom resolvers get the same normalization and checks as the default one.
	return checkTail(tail)
}

// TableFor returns the physical table of key without provisioning it.
func (r *Router) TableFor(key interface{}) (string, error) {
	tail, err := r.Resolve(key)
	if err != nil {
		return "", err
	}
	return r.Table(tail), nil
}

// RouteWrite returns the physical table a row with key must be written to,
// creating the table first if its tail is unknown. Creation failures are not
// returned; a write to a table that could not be created fails in the store.
func (r *Router) RouteWrite(ctx context.Context, key interface{}) (string, error) {
	tail, err := r.Resolve(key)
	if err != nil {
		return "", err
	}
	if err := r.provisioner.Ensure(ctx, tail); err != nil {
		return "", err
	}
	return r.Table(tail), nil
}

// Policy returns the routing policy applied to op.
func (r *Router) Policy(op types.Operator) RoutingPolicy {
	return PolicyFor(op)
}

// BuildFilter synthesizes the predicate selecting the tails a query must scan.
// Equality selects only the key's tail. Every other operator selects all tails
// known at the time of the call; the key is not inspected.
func (r *Router) BuildFilter(op types.Operator, key interface{}) (TailFilter, error) {
	if PolicyFor(op) == PolicyExactTail {
		tail, err := r.Resolve(key)
		if err != nil {
			return nil, err
		}
		return exactTailFilter(tail), nil
	}
	return snapshotFilter(r.registry.Snapshot()), nil
}

// RouteQuery returns the physical tables, sorted, that a query applying op to
// key must scan. An equality lookup whose tail is unknown touches no table.
func (r *Router) RouteQuery(op types.Operator, key interface{}) ([]string, error) {
	filter, err := r.BuildFilter(op, key)
	if err != nil {
		return nil, err
	}

	if PolicyFor(op) == PolicyExactTail {
		r.metrics.ObserveRoute(r.entity.Name, observability.PathQueryExact)
	} else {
		r.metrics.ObserveRoute(r.entity.Name, observability.PathQueryScan)
	}

	var tables []string
	for _, t := range r.registry.Tables() {
		if filter(t.Tail) {
			tables = append(tables, t.Table)
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// Stats returns a summary of the router.
func (r *Router) Stats() Stats {
	return Stats{
		Entity:           r.entity.Name,
		KnownTails:       r.registry.Len(),
		DegradedStart:    r.degraded,
		ProvisionerStats: r.provisioner.Stats(),
	}
}
