package app

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arkilian/tailroute/internal/config"
	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/internal/notify"
	"github.com/arkilian/tailroute/internal/store"
	"github.com/arkilian/tailroute/pkg/types"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// seedStore creates a SQLite file with Order and Event templates and a few partitions.
func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`CREATE TABLE "Order" (id INTEGER PRIMARY KEY, customer TEXT NOT NULL, total REAL)`,
		`CREATE INDEX idx_order_customer ON "Order" (customer)`,
		`CREATE TABLE "Order_202401" (id INTEGER PRIMARY KEY, customer TEXT NOT NULL, total REAL)`,
		`CREATE TABLE "Order_202402" (id INTEGER PRIMARY KEY, customer TEXT NOT NULL, total REAL)`,
		`CREATE TABLE Event (id INTEGER PRIMARY KEY, kind TEXT)`,
		`CREATE TABLE Event_eu (id INTEGER PRIMARY KEY, kind TEXT)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return path
}

func testConfig(dsn string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.DSN = dsn
	cfg.Entities = []types.Entity{{Name: "Order"}, {Name: "Event"}}
	return cfg
}

func TestAppOrderScenario(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(seedStore(t)), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"Event", "Order"}, a.Entities())

	orders, err := a.Router("order")
	require.NoError(t, err)
	assert.Equal(t, []string{"202401", "202402"}, orders.Tails())

	table, err := orders.RouteWrite(ctx, "202403")
	require.NoError(t, err)
	assert.Equal(t, "Order_202403", table)
	assert.True(t, orders.Known("202403"))

	// The new partition exists in the store with the template's index.
	var n int
	require.NoError(t, a.store.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'Order_202403'`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, a.store.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_order_customer_202403'`).Scan(&n))
	assert.Equal(t, 1, n)

	exact, err := orders.RouteQuery(types.OpEqual, "202402")
	require.NoError(t, err)
	assert.Equal(t, []string{"Order_202402"}, exact)

	scan, err := orders.RouteQuery(types.OpGreaterEqual, "202402")
	require.NoError(t, err)
	assert.Equal(t, []string{"Order_202401", "Order_202402", "Order_202403"}, scan)

	events, err := a.Router("Event")
	require.NoError(t, err)
	assert.Equal(t, []string{"eu"}, events.Tails())
}

func TestAppRestartRediscoversTails(t *testing.T) {
	ctx := context.Background()
	path := seedStore(t)

	first, err := New(ctx, testConfig(path), WithLogger(quietLogger()))
	require.NoError(t, err)
	orders, err := first.Router("Order")
	require.NoError(t, err)
	_, err = orders.RouteWrite(ctx, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(ctx, testConfig(path), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer second.Close()
	orders, err = second.Router("Order")
	require.NoError(t, err)
	assert.Contains(t, orders.Tails(), "20240315")
}

func TestAppConcurrentWritesCreateOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(seedStore(t))
	cfg.Routing.LockMode = "tail"
	a, err := New(ctx, cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	sub := a.Notifier().Subscribe("provisioned", []string{"Order"})
	orders, err := a.Router("Order")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orders.RouteWrite(ctx, "202404")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), orders.Stats().Created)
	select {
	case n := <-sub.Ch:
		assert.Equal(t, notify.TailProvisioned, n.Type)
		assert.Equal(t, "Order_202404", n.Table)
	default:
		t.Fatal("expected a provisioning notification")
	}
}

func TestAppUnknownEntity(t *testing.T) {
	a, err := New(context.Background(), testConfig(seedStore(t)), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Router("Invoice")
	require.Error(t, err)
	assert.Equal(t, tailerrors.CodeUnknownEntity, tailerrors.GetCode(err))
}

func TestAppMissingTemplateIsSwallowed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(seedStore(t))
	cfg.Entities = append(cfg.Entities, types.Entity{Name: "Invoice"})
	a, err := New(ctx, cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	invoices, err := a.Router("Invoice")
	require.NoError(t, err)
	table, err := invoices.RouteWrite(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, "Invoice_2024", table)
	assert.False(t, invoices.Known("2024"))
	assert.Equal(t, int64(1), invoices.Stats().Failed)
}

func TestAppWithStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, config.StoreConfig{Driver: config.DriverSQLite, DSN: seedStore(t)})
	require.NoError(t, err)
	defer s.Close()

	a, err := New(ctx, testConfig("unused.db"), WithStore(s), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// The store stays open for its owner.
	require.NoError(t, s.DB.PingContext(ctx))
	require.NoError(t, a.Close())
}

func TestAppStats(t *testing.T) {
	a, err := New(context.Background(), testConfig(seedStore(t)), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	stats := a.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "Event", stats[0].Entity)
	assert.Equal(t, 1, stats[0].KnownTails)
	assert.Equal(t, "Order", stats[1].Entity)
	assert.Equal(t, 2, stats[1].KnownTails)
	assert.NotNil(t, a.Metrics())
}

func TestAppInvalidConfig(t *testing.T) {
	cfg := testConfig("shop.db")
	cfg.Routing.FailurePolicy = "sometimes"
	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.Equal(t, tailerrors.ErrCategoryConfig, tailerrors.GetCategory(err))
}

func TestAppCountsRouterEvents(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(seedStore(t))
	cfg.Entities = append(cfg.Entities, types.Entity{Name: "Invoice"})
	cfg.Routing.MaxProvisionAttempts = 1
	a, err := New(ctx, cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	invoices, err := a.Router("Invoice")
	require.NoError(t, err)
	_, err = invoices.RouteWrite(ctx, "2024")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		counts := a.EventCounts("invoice")
		return counts[notify.ProvisionFailed.String()] == 1 &&
			counts[notify.TailQuarantined.String()] == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), a.EventCounts("Order")[notify.TailsDiscovered.String()])
}
