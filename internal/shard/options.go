package shard

import (
	"time"

	"github.com/arkilian/tailroute/internal/notify"
	"github.com/arkilian/tailroute/internal/observability"
	"github.com/sirupsen/logrus"
)

// Option configures a Router.
type Option func(*options)

type options struct {
	log              *logrus.Entry
	metrics          *observability.Metrics
	notifier         *notify.Notifier
	resolver         Resolver
	lockMode         LockMode
	lockStripes      int
	failurePolicy    FailurePolicy
	provisionTimeout time.Duration
	maxAttempts      int
	retryBackoff     time.Duration
	degradedStart    bool
	now              func() time.Time
}

func defaultOptions() *options {
	return &options{
		log:              logrus.NewEntry(logrus.StandardLogger()),
		lockMode:         LockPerEntity,
		lockStripes:      DefaultLockStripes,
		failurePolicy:    FailurePolicyStrict,
		provisionTimeout: DefaultProvisionTimeout,
		maxAttempts:      DefaultMaxProvisionAttempts,
		retryBackoff:     DefaultRetryBackoff,
		now:              time.Now,
	}
}

// WithLogger sets the log entry the router writes to.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records router telemetry in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithNotifier publishes registry events to n.
func WithNotifier(n *notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithResolver replaces the default canonical-string resolver.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithLockMode selects per-entity or per-tail provisioning locks.
func WithLockMode(mode LockMode) Option {
	return func(o *options) { o.lockMode = mode }
}

// WithLockStripes sets the number of striped locks used by LockPerTail.
func WithLockStripes(n int) Option {
	return func(o *options) { o.lockStripes = n }
}

// WithFailurePolicy selects what happens to the registry after a failed creation.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *options) { o.failurePolicy = p }
}

// WithProvisionTimeout bounds each table creation. Zero means only the caller's context applies.
func WithProvisionTimeout(d time.Duration) Option {
	return func(o *options) { o.provisionTimeout = d }
}

// WithRetry sets how many consecutive failures quarantine a tail and for how long.
// Only used by FailurePolicyStrict.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(o *options) {
		o.maxAttempts = maxAttempts
		o.retryBackoff = backoff
	}
}

// WithDegradedStart lets the router start with an empty registry when the
// catalog cannot be read, instead of failing construction.
func WithDegradedStart(allow bool) Option {
	return func(o *options) { o.degradedStart = allow }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
