package app

import (
	"strings"
	"sync"

	"github.com/arkilian/tailroute/internal/notify"
	"github.com/sirupsen/logrus"
)

// eventWatcher logs router notifications and counts them per entity.
type eventWatcher struct {
	notifier *notify.Notifier
	sub      *notify.Subscriber
	log      *logrus.Entry

	mu     sync.Mutex
	counts map[string]map[string]int64 // lowercase entity -> notification type -> count

	done chan struct{}
}

func newEventWatcher(n *notify.Notifier, log *logrus.Entry) *eventWatcher {
	w := &eventWatcher{
		notifier: n,
		sub:      n.SubscribeAutoID(),
		log:      log,
		counts:   make(map[string]map[string]int64),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *eventWatcher) run() {
	defer close(w.done)
	for n := range w.sub.Ch {
		w.record(n)
	}
}

func (w *eventWatcher) record(n notify.Notification) {
	key := strings.ToLower(n.Entity)
	w.mu.Lock()
	byType, ok := w.counts[key]
	if !ok {
		byType = make(map[string]int64)
		w.counts[key] = byType
	}
	byType[n.Type.String()]++
	w.mu.Unlock()

	logger := w.log.WithFields(logrus.Fields{"entity": n.Entity, "event": n.Type.String()})
	if n.Table != "" {
		logger = logger.WithField("table", n.Table)
	}
	switch n.Type {
	case notify.TailQuarantined:
		logger.WithField("error", n.Error).Warn("tail quarantined after repeated table creation failures")
	case notify.ProvisionFailed, notify.DegradedStart:
		logger.WithField("error", n.Error).Debug("router event")
	default:
		logger.Debug("router event")
	}
}

// snapshot returns a copy of the counts of entity.
func (w *eventWatcher) snapshot(entity string) map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int64, len(w.counts[strings.ToLower(entity)]))
	for k, v := range w.counts[strings.ToLower(entity)] {
		out[k] = v
	}
	return out
}

// stop unsubscribes and waits for queued notifications to be counted.
func (w *eventWatcher) stop() {
	w.notifier.Unsubscribe(w.sub.ID)
	<-w.done
}
