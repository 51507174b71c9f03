// Package app wires configuration, the store and one router per entity into a
// single lifecycle.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arkilian/tailroute/internal/config"
	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/internal/logging"
	"github.com/arkilian/tailroute/internal/notify"
	"github.com/arkilian/tailroute/internal/observability"
	"github.com/arkilian/tailroute/internal/shard"
	"github.com/arkilian/tailroute/internal/store"
	"github.com/sirupsen/logrus"
)

// notifierBuffer is the per-subscriber channel size of the shared notifier.
const notifierBuffer = 256

// App owns the store and the routers built on top of it.
type App struct {
	cfg *config.Config

	// Shared resources
	store     *store.Store
	ownsStore bool
	logger    *logrus.Logger
	log       *logrus.Entry
	metrics   *observability.Metrics
	notifier  *notify.Notifier
	events    *eventWatcher

	// Routers keyed by lowercase entity name
	routers map[string]*shard.Router
	names   []string

	mu     sync.Mutex
	closed bool
}

// Option customizes an App.
type Option func(*App)

// WithLogger replaces the logger built from the log configuration.
func WithLogger(logger *logrus.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithStore uses an already open store instead of opening the configured one.
// The caller keeps ownership and must close it.
func WithStore(s *store.Store) Option {
	return func(a *App) { a.store = s }
}

// New opens the store and builds a router for every configured entity.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		cfg:      cfg,
		notifier: notify.NewNotifier(notifierBuffer),
		routers:  make(map[string]*shard.Router, len(cfg.Entities)),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return nil, tailerrors.NewConfigError("invalid log configuration", err)
		}
		a.logger = logger
	}
	a.log = logging.Component(a.logger, "app")

	// Subscribe before the routers are built so discovery events are counted.
	a.events = newEventWatcher(a.notifier, logging.Component(a.logger, "events"))

	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	routerOpts, err := a.routerOptions()
	if err != nil {
		a.events.stop()
		return nil, err
	}

	if a.store == nil {
		if err := cfg.EnsureDirectories(); err != nil {
			a.events.stop()
			return nil, fmt.Errorf("failed to create directories: %w", err)
		}
		s, err := store.Open(ctx, cfg.Store)
		if err != nil {
			a.events.stop()
			return nil, err
		}
		a.store = s
		a.ownsStore = true
	}

	for _, entity := range cfg.Entities {
		r, err := shard.New(ctx, entity, a.store.Lister, a.store.Creator, routerOpts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to start router for %s: %w", entity.Name, err)
		}
		a.routers[strings.ToLower(entity.Name)] = r
		a.names = append(a.names, r.Entity().Name)
	}
	sort.Strings(a.names)

	a.log.WithFields(logrus.Fields{
		"driver":   a.store.Driver,
		"entities": len(a.names),
	}).Info("tailroute started")
	return a, nil
}

// routerOptions translates the routing configuration into router options.
func (a *App) routerOptions() ([]shard.Option, error) {
	rc := a.cfg.Routing
	lockMode, err := shard.ParseLockMode(rc.LockMode)
	if err != nil {
		return nil, tailerrors.NewConfigError("invalid routing.lock_mode", err)
	}
	policy, err := shard.ParseFailurePolicy(rc.FailurePolicy)
	if err != nil {
		return nil, tailerrors.NewConfigError("invalid routing.failure_policy", err)
	}

	return []shard.Option{
		shard.WithLogger(a.logger.WithField("component", "shard")),
		shard.WithMetrics(a.metrics),
		shard.WithNotifier(a.notifier),
		shard.WithLockMode(lockMode),
		shard.WithLockStripes(rc.LockStripes),
		shard.WithFailurePolicy(policy),
		shard.WithProvisionTimeout(rc.ProvisionTimeout),
		shard.WithRetry(rc.MaxProvisionAttempts, rc.RetryBackoff),
		shard.WithDegradedStart(rc.DegradedStart),
	}, nil
}

// Router returns the router of entity, matched case-insensitively.
func (a *App) Router(entity string) (*shard.Router, error) {
	r, ok := a.routers[strings.ToLower(entity)]
	if !ok {
		return nil, tailerrors.NewRoutingError(tailerrors.CodeUnknownEntity,
			fmt.Sprintf("unknown entity %q", entity))
	}
	return r, nil
}

// Entities returns the configured entity names, sorted.
func (a *App) Entities() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

// Stats returns the stats of every router, ordered by entity name.
func (a *App) Stats() []shard.Stats {
	out := make([]shard.Stats, 0, len(a.names))
	for _, name := range a.names {
		out = append(out, a.routers[strings.ToLower(name)].Stats())
	}
	return out
}

// EventCounts returns how many notifications of each type the routers of
// entity have published, keyed by notification type name.
func (a *App) EventCounts(entity string) map[string]int64 {
	return a.events.snapshot(entity)
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Metrics returns the shared metrics, nil when disabled.
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Notifier returns the notifier all routers publish to.
func (a *App) Notifier() *notify.Notifier {
	return a.notifier
}

// Logger returns the application logger.
func (a *App) Logger() *logrus.Logger {
	return a.logger
}

// Close releases the store if the app opened it. Safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.events.stop()
	if a.ownsStore {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
