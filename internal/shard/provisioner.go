package shard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/internal/notify"
	"github.com/arkilian/tailroute/internal/observability"
	"github.com/arkilian/tailroute/internal/provision"
	"github.com/arkilian/tailroute/pkg/types"
	"github.com/sirupsen/logrus"
)

// FailurePolicy decides what happens to the registry when table creation fails.
type FailurePolicy string

const (
	// FailurePolicyStrict registers a tail only after its table was created.
	// Repeated failures quarantine the tail for a backoff period.
	FailurePolicyStrict FailurePolicy = "strict"

	// FailurePolicyOptimistic registers the tail even if creation failed, so no
	// further DDL is attempted for it. Writes to a table that was never created
	// then fail in the storage layer.
	FailurePolicyOptimistic FailurePolicy = "optimistic"
)

// ParseFailurePolicy validates a textual failure policy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailurePolicyStrict:
		return FailurePolicyStrict, nil
	case FailurePolicyOptimistic:
		return FailurePolicyOptimistic, nil
	default:
		return "", fmt.Errorf("shard: unknown failure policy %q (must be strict or optimistic)", s)
	}
}

// Defaults for the provisioner.
const (
	DefaultProvisionTimeout     = 30 * time.Second
	DefaultMaxProvisionAttempts = 3
	DefaultRetryBackoff         = time.Minute
)

// failureRecord tracks consecutive provisioning failures of one tail.
type failureRecord struct {
	attempts         int
	quarantinedUntil time.Time
}

// ProvisionerStats holds counters of the provisioner.
type ProvisionerStats struct {
	Created     int64 // tables created
	Failed      int64 // creation attempts that returned an error
	Quarantined int64 // writes that skipped DDL because the tail was quarantined
}

// Provisioner lazily creates the physical table of a tail the first time it is
// written. Concurrent writers of the same new tail are serialized; exactly one
// of them runs the DDL and the others observe its result on the second registry check.
type Provisioner struct {
	entity   types.Entity
	registry *Registry
	creator  provision.TableCreator
	locks    tailLocker

	policy      FailurePolicy
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time

	failMu   sync.Mutex
	failures map[string]*failureRecord

	created     atomic.Int64
	failed      atomic.Int64
	quarantined atomic.Int64

	log      *logrus.Entry
	metrics  *observability.Metrics
	notifier *notify.Notifier
}

func newProvisioner(entity types.Entity, registry *Registry, creator provision.TableCreator, o *options) *Provisioner {
	return &Provisioner{
		entity:      entity,
		registry:    registry,
		creator:     creator,
		locks:       newTailLocker(o.lockMode, o.lockStripes),
		policy:      o.failurePolicy,
		timeout:     o.provisionTimeout,
		maxAttempts: o.maxAttempts,
		backoff:     o.retryBackoff,
		now:         o.now,
		failures:    make(map[string]*failureRecord),
		log:         o.log,
		metrics:     o.metrics,
		notifier:    o.notifier,
	}
}

// Ensure makes sure tail is known, creating its table if needed.
// Creation errors are logged and swallowed. The only error returned is a
// context cancellation while waiting for the provisioning lock.
func (p *Provisioner) Ensure(ctx context.Context, tail string) error {
	if p.registry.Contains(tail) {
		p.metrics.ObserveRoute(p.entity.Name, observability.PathWriteHit)
		return nil
	}
	p.metrics.ObserveRoute(p.entity.Name, observability.PathWriteMiss)

	waitStart := p.now()
	release, err := p.locks.acquire(ctx, tail)
	if err != nil {
		return tailerrors.Wrap(tailerrors.ErrCategoryRouting, tailerrors.CodeLockCancelled,
			fmt.Sprintf("shard: gave up waiting to provision %s", p.entity.TableName(tail)), err)
	}
	defer release()
	p.metrics.ObserveLockWait(p.entity.Name, p.now().Sub(waitStart))

	// Another writer may have finished while we waited.
	if p.registry.Contains(tail) {
		return nil
	}

	if p.policy == FailurePolicyStrict && p.isQuarantined(tail) {
		p.quarantined.Add(1)
		p.metrics.ObserveProvision(p.entity.Name, observability.ResultQuarantined, 0)
		p.log.WithField("tail", tail).Debug("shard: tail is quarantined, skipping table creation")
		return nil
	}

	p.provision(ctx, tail)
	return nil
}

// provision runs the DDL for tail and updates the registry. Must hold the tail's lock.
func (p *Provisioner) provision(ctx context.Context, tail string) {
	table := p.entity.TableName(tail)
	logger := p.log.WithFields(logrus.Fields{"tail": tail, "table": table})

	ddlCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ddlCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := p.now()
	err := p.creator.CreateTable(ddlCtx, p.entity, tail)
	elapsed := p.now().Sub(start)

	if err == nil {
		p.registry.add(tail)
		p.clearFailures(tail)
		p.created.Add(1)
		p.metrics.ObserveProvision(p.entity.Name, observability.ResultCreated, elapsed)
		p.metrics.SetKnownTails(p.entity.Name, p.registry.Len())
		p.notifier.Publish(notify.Notification{
			Type:   notify.TailProvisioned,
			Entity: p.entity.Name,
			Tail:   tail,
			Table:  table,
		})
		logger.WithField("duration", elapsed).Info("shard: provisioned table")
		return
	}

	p.failed.Add(1)
	logger = logger.WithFields(logrus.Fields(tailerrors.GetDetails(err)))
	p.metrics.ObserveProvision(p.entity.Name, observability.ResultFailed, elapsed)
	p.notifier.Publish(notify.Notification{
		Type:   notify.ProvisionFailed,
		Entity: p.entity.Name,
		Tail:   tail,
		Table:  table,
		Error:  err.Error(),
	})

	switch p.policy {
	case FailurePolicyOptimistic:
		p.registry.add(tail)
		p.metrics.SetKnownTails(p.entity.Name, p.registry.Len())
		logger.WithError(err).Warn("shard: table creation failed, registering tail anyway")
	default:
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the store.
			logger.WithError(err).Warn("shard: table creation abandoned by caller")
			return
		}
		logger.WithError(err).Error("shard: table creation failed")
		p.recordFailure(tail, table, err)
	}
}

func (p *Provisioner) isQuarantined(tail string) bool {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	rec, ok := p.failures[tail]
	return ok && p.now().Before(rec.quarantinedUntil)
}

func (p *Provisioner) clearFailures(tail string) {
	p.failMu.Lock()
	delete(p.failures, tail)
	p.failMu.Unlock()
}

// recordFailure counts a failed attempt and quarantines the tail once
// maxAttempts consecutive attempts have failed.
func (p *Provisioner) recordFailure(tail, table string, cause error) {
	p.failMu.Lock()
	rec, ok := p.failures[tail]
	if !ok {
		rec = &failureRecord{}
		p.failures[tail] = rec
	}
	rec.attempts++
	quarantine := p.maxAttempts > 0 && rec.attempts >= p.maxAttempts
	if quarantine {
		rec.attempts = 0
		rec.quarantinedUntil = p.now().Add(p.backoff)
	}
	until := rec.quarantinedUntil
	p.failMu.Unlock()

	if !quarantine {
		return
	}
	p.log.WithFields(logrus.Fields{
		"tail":     tail,
		"table":    table,
		"attempts": p.maxAttempts,
		"until":    until,
	}).WithError(cause).Error("shard: table creation keeps failing, tail quarantined")
	p.notifier.Publish(notify.Notification{
		Type:   notify.TailQuarantined,
		Entity: p.entity.Name,
		Tail:   tail,
		Table:  table,
		Error:  cause.Error(),
	})
}

// Stats returns the provisioner counters.
func (p *Provisioner) Stats() ProvisionerStats {
	return ProvisionerStats{
		Created:     p.created.Load(),
		Failed:      p.failed.Load(),
		Quarantined: p.quarantined.Load(),
	}
}
