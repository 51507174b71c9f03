package shard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/internal/notify"
	"github.com/arkilian/tailroute/internal/provision"
	"github.com/arkilian/tailroute/pkg/types"
)

func TestProvisionerSingleCreationUnderContention(t *testing.T) {
	for _, mode := range []LockMode{LockPerEntity, LockPerTail} {
		t.Run(string(mode), func(t *testing.T) {
			creator := newCountingCreator()
			creator.delay = 20 * time.Millisecond
			r := newTestRouter(t, tablesLister("Order_202401"), creator, WithLockMode(mode))

			const writers = 64
			var wg sync.WaitGroup
			start := make(chan struct{})
			tables := make([]string, writers)
			errs := make([]error, writers)

			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					tables[i], errs[i] = r.RouteWrite(context.Background(), "202403")
				}(i)
			}
			close(start)
			wg.Wait()

			for i := 0; i < writers; i++ {
				if errs[i] != nil {
					t.Fatalf("writer %d: unexpected error: %v", i, errs[i])
				}
				if tables[i] != "Order_202403" {
					t.Errorf("writer %d: expected Order_202403, got %s", i, tables[i])
				}
			}
			if got := creator.callsFor("202403"); got != 1 {
				t.Errorf("expected exactly one provisioning call, got %d", got)
			}
			if r.Stats().Created != 1 {
				t.Errorf("expected Created=1, got %d", r.Stats().Created)
			}
		})
	}
}

func TestProvisionerDistinctTailsUnderContention(t *testing.T) {
	creator := newCountingCreator()
	r := newTestRouter(t, tablesLister(), creator, WithLockMode(LockPerTail))

	tails := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.RouteWrite(context.Background(), tails[i%len(tails)]); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, tail := range tails {
		if got := creator.callsFor(tail); got != 1 {
			t.Errorf("tail %s: expected one provisioning call, got %d", tail, got)
		}
	}
	if r.Registry().Len() != len(tails) {
		t.Errorf("expected %d tails, got %d", len(tails), r.Registry().Len())
	}
}

// blockingCreator blocks creation of one tail until released.
type blockingCreator struct {
	blockTail string
	entered   chan struct{}
	release   chan struct{}
	mu        sync.Mutex
	created   []string
}

func newBlockingCreator(tail string) *blockingCreator {
	return &blockingCreator{blockTail: tail, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingCreator) CreateTable(ctx context.Context, entity types.Entity, tail string) error {
	if tail == b.blockTail {
		close(b.entered)
		<-b.release
	}
	b.mu.Lock()
	b.created = append(b.created, tail)
	b.mu.Unlock()
	return nil
}

func TestProvisionerEntityLockSerializesTails(t *testing.T) {
	creator := newBlockingCreator("slow")
	r := newTestRouter(t, tablesLister("Order_warm"), creator, WithLockMode(LockPerEntity))

	done := make(chan error, 1)
	go func() {
		_, err := r.RouteWrite(context.Background(), "slow")
		done <- err
	}()
	<-creator.entered

	// A different new tail waits for the entity lock and gives up with its context.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.RouteWrite(ctx, "other")
	if tailerrors.GetCode(err) != tailerrors.CodeLockCancelled {
		t.Errorf("expected LOCK_CANCELLED, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded in chain, got %v", err)
	}

	// Reads and writes to known tails are not blocked.
	if _, err := r.RouteWrite(context.Background(), "warm"); err != nil {
		t.Errorf("write to known tail should not block: %v", err)
	}
	if _, err := r.RouteQuery(types.OpGreater, "a"); err != nil {
		t.Errorf("query should not block: %v", err)
	}

	close(creator.release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.RouteWrite(context.Background(), "other"); err != nil {
		t.Fatalf("lock should be free after provisioning: %v", err)
	}
}

func TestProvisionerTailLockAllowsParallelTails(t *testing.T) {
	creator := newBlockingCreator("slow")
	r := newTestRouter(t, tablesLister(), creator, WithLockMode(LockPerTail))

	locker := r.provisioner.locks.(*stripedLocker)
	other := ""
	for _, candidate := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		if locker.stripeFor(candidate) != locker.stripeFor("slow") {
			other = candidate
			break
		}
	}
	if other == "" {
		t.Fatal("no candidate tail on a different stripe")
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.RouteWrite(context.Background(), "slow")
		done <- err
	}()
	<-creator.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.RouteWrite(ctx, other); err != nil {
		t.Errorf("tail on another stripe should provision while slow is blocked: %v", err)
	}

	close(creator.release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvisionerTimeoutReleasesLock(t *testing.T) {
	var calls int
	var mu sync.Mutex
	creator := provision.CreatorFunc(func(ctx context.Context, entity types.Entity, tail string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if tail == "hang" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	r := newTestRouter(t, tablesLister(), creator, WithProvisionTimeout(20*time.Millisecond))

	table, err := r.RouteWrite(context.Background(), "hang")
	if err != nil {
		t.Fatalf("provisioning timeouts must not be returned: %v", err)
	}
	if table != "Order_hang" {
		t.Errorf("expected Order_hang, got %s", table)
	}
	if r.Known("hang") {
		t.Error("strict policy must not register a tail whose creation timed out")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.RouteWrite(ctx, "next"); err != nil {
		t.Fatalf("lock was not released after timeout: %v", err)
	}
	if !r.Known("next") {
		t.Error("expected next to be registered")
	}
}

func TestProvisionerOptimisticRegistersOnFailure(t *testing.T) {
	creator := newCountingCreator()
	creator.setErr(errDDL)
	n := notify.NewNotifier(8)
	sub := n.Subscribe("test", nil)
	r := newTestRouter(t, tablesLister(), creator,
		WithFailurePolicy(FailurePolicyOptimistic), WithNotifier(n))
	<-sub.Ch // discovery

	table, err := r.RouteWrite(context.Background(), "202403")
	if err != nil {
		t.Fatalf("provisioning errors must not be returned: %v", err)
	}
	if table != "Order_202403" {
		t.Errorf("expected Order_202403, got %s", table)
	}
	if !r.Known("202403") {
		t.Error("optimistic policy registers the tail even after a failure")
	}

	if _, err := r.RouteWrite(context.Background(), "202403"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creator.callsFor("202403") != 1 {
		t.Errorf("expected no retry under optimistic policy, got %d calls", creator.callsFor("202403"))
	}

	notif := <-sub.Ch
	if notif.Type != notify.ProvisionFailed || notif.Error == "" {
		t.Errorf("expected ProvisionFailed notification with error, got %+v", notif)
	}
	if r.Stats().Failed != 1 {
		t.Errorf("expected Failed=1, got %d", r.Stats().Failed)
	}
}

func TestProvisionerStrictRetriesAndQuarantines(t *testing.T) {
	clock := newFakeClock()
	creator := newCountingCreator()
	creator.setErr(errDDL)
	n := notify.NewNotifier(16)
	sub := n.Subscribe("test", nil)

	r := newTestRouter(t, tablesLister(), creator,
		WithFailurePolicy(FailurePolicyStrict),
		WithRetry(2, time.Minute),
		WithNotifier(n),
		withClock(clock.Now))

	write := func() {
		t.Helper()
		if _, err := r.RouteWrite(context.Background(), "202403"); err != nil {
			t.Fatalf("provisioning errors must not be returned: %v", err)
		}
	}

	write()
	if r.Known("202403") {
		t.Fatal("strict policy must not register a failed tail")
	}
	write()
	if got := creator.callsFor("202403"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	// Two failures quarantine the tail: no DDL until the backoff has passed.
	write()
	write()
	if got := creator.callsFor("202403"); got != 2 {
		t.Errorf("expected no DDL while quarantined, got %d attempts", got)
	}
	if r.Stats().Quarantined != 2 {
		t.Errorf("expected 2 quarantined writes, got %d", r.Stats().Quarantined)
	}

	clock.Advance(time.Minute + time.Second)
	creator.setErr(nil)
	write()
	if got := creator.callsFor("202403"); got != 3 {
		t.Errorf("expected a retry after the backoff, got %d attempts", got)
	}
	if !r.Known("202403") {
		t.Error("expected tail to be registered after a successful retry")
	}

	var got []notify.NotificationType
	for len(sub.Ch) > 0 {
		got = append(got, (<-sub.Ch).Type)
	}
	want := []notify.NotificationType{
		notify.TailsDiscovered,
		notify.ProvisionFailed,
		notify.ProvisionFailed,
		notify.TailQuarantined,
		notify.TailProvisioned,
	}
	if len(got) != len(want) {
		t.Fatalf("expected notifications %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestProvisionerCancelledCallerDoesNotCountFailure(t *testing.T) {
	creator := provision.CreatorFunc(func(ctx context.Context, entity types.Entity, tail string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := newTestRouter(t, tablesLister(), creator, WithRetry(1, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.RouteWrite(ctx, "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.provisioner.isQuarantined("x") {
		t.Error("a caller giving up must not quarantine the tail")
	}
}
