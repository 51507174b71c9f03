package shard

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkilian/tailroute/internal/catalog"
	"github.com/arkilian/tailroute/internal/provision"
	"github.com/arkilian/tailroute/pkg/types"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func tablesLister(names ...string) catalog.Lister {
	return catalog.ListerFunc(func(ctx context.Context, schema string) ([]types.DiscoveredTable, error) {
		out := make([]types.DiscoveredTable, 0, len(names))
		for _, n := range names {
			out = append(out, types.DiscoveredTable{Schema: schema, Name: n})
		}
		return out, nil
	})
}

func failingLister(err error) catalog.Lister {
	return catalog.ListerFunc(func(ctx context.Context, schema string) ([]types.DiscoveredTable, error) {
		return nil, err
	})
}

// countingCreator records CreateTable calls per tail.
type countingCreator struct {
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64
	delay time.Duration
	err   error
}

func newCountingCreator() *countingCreator {
	return &countingCreator{calls: make(map[string]int)}
}

func (c *countingCreator) CreateTable(ctx context.Context, entity types.Entity, tail string) error {
	c.total.Add(1)
	c.mu.Lock()
	c.calls[tail]++
	err := c.err
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *countingCreator) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *countingCreator) callsFor(tail string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[tail]
}

var _ provision.TableCreator = (*countingCreator)(nil)

var errDDL = errors.New("permission denied")

func newTestRouter(t *testing.T, lister catalog.Lister, creator provision.TableCreator, opts ...Option) *Router {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	r, err := New(context.Background(), types.NewEntity("Order"), lister, creator, opts...)
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
	}
	return r
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
