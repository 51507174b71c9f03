// Package notify provides an in-process event bus for tail registry changes,
// so hosts can react to new partitions and provisioning trouble.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	TailsDiscovered NotificationType = iota
	TailProvisioned
	ProvisionFailed
	TailQuarantined
	DegradedStart
)

// String returns a readable name for the notification type.
func (t NotificationType) String() string {
	switch t {
	case TailsDiscovered:
		return "tails_discovered"
	case TailProvisioned:
		return "tail_provisioned"
	case ProvisionFailed:
		return "provision_failed"
	case TailQuarantined:
		return "tail_quarantined"
	case DegradedStart:
		return "degraded_start"
	default:
		return "unknown"
	}
}

// Notification describes one router event.
type Notification struct {
	Type      NotificationType
	Entity    string
	Tail      string // empty for entity-wide events
	Table     string
	Count     int    // number of tails for TailsDiscovered
	Error     string // set for failures
	Timestamp int64
}

// Notifier provides an in-process pub/sub bus for router events.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
// Publishing on a nil Notifier is a no-op.
func (n *Notifier) Publish(notif Notification) {
	if n == nil {
		return
	}
	if notif.Timestamp == 0 {
		notif.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if matchesFilter(sub, notif.Entity) {
			sub.send(notif)
		}
		return true
	})
}

// Subscribe adds a subscriber with the given ID. Filters are entity-name prefixes;
// no filters means every notification.
func (n *Notifier) Subscribe(id string, filters []string) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a subscriber with a generated ID.
func (n *Notifier) SubscribeAutoID(filters ...string) *Subscriber {
	return n.Subscribe("sub_"+uuid.NewString(), filters)
}

// Unsubscribe removes a subscriber from the notifier and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		sub.mu.Lock()
		sub.closed = true
		close(sub.Ch)
		sub.mu.Unlock()
	}
}

func matchesFilter(sub *Subscriber, entity string) bool {
	if len(sub.Filters) == 0 {
		return true
	}
	for _, filter := range sub.Filters {
		if len(filter) == 0 {
			return true
		}
		if len(entity) >= len(filter) && entity[:len(filter)] == filter {
			return true
		}
	}
	return false
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Notification

	mu     sync.RWMutex
	closed bool
}

// send delivers notif unless the channel is full or already closed by Unsubscribe.
func (s *Subscriber) send(notif Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.Ch <- notif:
	default:
		// Channel full - drop notification, do NOT block
	}
}
