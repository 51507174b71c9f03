package shard

import (
	"context"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// LockMode selects how provisioning is serialized.
type LockMode string

const (
	// LockPerEntity serializes provisioning of every tail of an entity behind one lock.
	LockPerEntity LockMode = "entity"

	// LockPerTail spreads tails over a fixed set of striped locks, so provisioning
	// of different tails rarely waits on each other.
	LockPerTail LockMode = "tail"
)

// DefaultLockStripes is the stripe count used by LockPerTail.
const DefaultLockStripes = 32

// ParseLockMode validates a textual lock mode.
func ParseLockMode(s string) (LockMode, error) {
	switch LockMode(s) {
	case "", LockPerEntity:
		return LockPerEntity, nil
	case LockPerTail:
		return LockPerTail, nil
	default:
		return "", fmt.Errorf("shard: unknown lock mode %q (must be entity or tail)", s)
	}
}

// tailLocker hands out the exclusive provisioning lock for a tail.
// Acquisition gives up when ctx is done; release must be called exactly once.
type tailLocker interface {
	acquire(ctx context.Context, tail string) (release func(), err error)
}

// chanLock is a mutex that can be abandoned on context cancellation.
type chanLock chan struct{}

func newChanLock() chanLock {
	return make(chanLock, 1)
}

func (l chanLock) acquire(ctx context.Context) (func(), error) {
	// Prefer the lock if it is free even when ctx is already done.
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	default:
	}
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entityLocker struct {
	lock chanLock
}

func newEntityLocker() *entityLocker {
	return &entityLocker{lock: newChanLock()}
}

func (e *entityLocker) acquire(ctx context.Context, _ string) (func(), error) {
	return e.lock.acquire(ctx)
}

type stripedLocker struct {
	stripes []chanLock
}

func newStripedLocker(n int) *stripedLocker {
	if n <= 0 {
		n = DefaultLockStripes
	}
	s := &stripedLocker{stripes: make([]chanLock, n)}
	for i := range s.stripes {
		s.stripes[i] = newChanLock()
	}
	return s
}

func (s *stripedLocker) stripeFor(tail string) int {
	return int(murmur3.Sum32([]byte(tail)) % uint32(len(s.stripes)))
}

func (s *stripedLocker) acquire(ctx context.Context, tail string) (func(), error) {
	return s.stripes[s.stripeFor(tail)].acquire(ctx)
}

func newTailLocker(mode LockMode, stripes int) tailLocker {
	if mode == LockPerTail {
		return newStripedLocker(stripes)
	}
	return newEntityLocker()
}
