package pg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/stream"
)

// NotifyChannel is the LISTEN channel fed by the sub_users trigger. The
// payload is the affected account id.
const NotifyChannel = "sub_users_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingEvery    = 90 * time.Second
	reloadTimeout        = 5 * time.Second
)

type watcher struct {
	dsn  string
	subs *SubUsers
	hub  *stream.Hub[string, []directory.SubUser]
	log  logrus.FieldLogger

	mu        sync.Mutex
	// gen counts notifications per account; published is the generation of
	// the last list handed to the hub.
	gen       map[string]uint64
	published map[string]uint64
}

func newWatcher(dsn string, subs *SubUsers, log logrus.FieldLogger) *watcher {
	return &watcher{
		dsn:       dsn,
		subs:      subs,
		hub:       stream.New[string, []directory.SubUser](),
		log:       log,
		gen:       make(map[string]uint64),
		published: make(map[string]uint64),
	}
}

func (w *watcher) generation(accountID string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen[accountID]
}

func (w *watcher) bump(accountID string) {
	w.mu.Lock()
	w.gen[accountID]++
	w.mu.Unlock()
}

// watch seeds the subscription with the current list. A notification that
// lands between the query and the subscription triggers one more reload.
func (w *watcher) watch(ctx context.Context, accountID string) (<-chan []directory.SubUser, error) {
	before := w.generation(accountID)
	list, err := w.subs.List(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ch := w.hub.Subscribe(ctx, accountID, list)
	if w.generation(accountID) != before {
		w.reload(ctx, accountID)
	}
	return ch, nil
}

func (w *watcher) reload(ctx context.Context, accountID string) {
	if w.hub.Subscribers(accountID) == 0 {
		return
	}
	gen := w.generation(accountID)
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	list, err := w.subs.List(ctx, accountID)
	if err != nil {
		w.log.WithError(err).WithField("account_id", accountID).Warn("directory reload failed")
		return
	}
	if !w.publish(accountID, gen, list) {
		w.log.WithField("account_id", accountID).Debug("stale directory reload dropped")
	}
}

// publish hands list to the hub unless a reload started after a later
// notification has already been published. Reloads may finish out of order.
func (w *watcher) publish(accountID string, gen uint64, list []directory.SubUser) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen < w.published[accountID] {
		return false
	}
	w.published[accountID] = gen
	w.hub.Publish(accountID, list)
	return true
}

func (w *watcher) reloadAll(ctx context.Context) {
	for _, accountID := range w.hub.Keys() {
		w.bump(accountID)
		w.reload(ctx, accountID)
	}
}

func (w *watcher) run(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			w.log.WithError(err).Warn("directory listener error")
		}
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			w.log.Warn("directory listener connection attempt failed, will retry")
		case pq.ListenerEventDisconnected:
			w.log.Warn("directory listener disconnected, will attempt reconnect")
		case pq.ListenerEventReconnected:
			w.log.Info("directory listener reconnected")
		}
	}

	l := pq.NewListener(w.dsn, listenerMinReconnect, listenerMaxReconnect, reportProblem)
	defer l.Close()
	if err := l.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s channel: %w", NotifyChannel, err)
	}
	w.log.WithField("channel", NotifyChannel).Info("directory listener started")

	ticker := time.NewTicker(listenerPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.Notify:
			if n == nil {
				// Sent after a reconnect: notifications may have been missed.
				w.reloadAll(ctx)
				continue
			}
			w.bump(n.Extra)
			w.reload(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := l.Ping(); err != nil {
					w.log.WithError(err).Debug("directory listener ping failed")
				}
			}()
		}
	}
}
