package directory

import (
	"context"
	"sync"

	"github.com/factureprojet1/facture1.ma/internal/obs"
	"github.com/factureprojet1/facture1.ma/internal/stream"
)

// Subscription is a live, ordered view of one account's directory. C receives
// the full list after changes, but emissions are merged: a reader that lags
// behind sees only the newest list, so several writes may surface as a single
// emission and intermediate states may never be observed. A write is confirmed
// by the first emission that reflects it, not by counting emissions. C is
// closed once the watch is released.
type Subscription struct {
	C <-chan []SubUser

	accountID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.RWMutex
	latest []SubUser
	seen   bool
}

// Subscribe opens a standing watch on the account's records. The watch is
// released when ctx ends, when Close is called, or when the store ends it.
func (d *Directory) Subscribe(ctx context.Context, accountID string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	raw, err := d.store.Watch(ctx, accountID)
	if err != nil {
		cancel()
		return nil, wrap(OpSubscribe, err)
	}

	out := make(chan []SubUser, 1)
	s := &Subscription{
		C:         out,
		accountID: accountID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	log := d.log.WithField("account_id", accountID)
	log.Debug("directory watch opened")

	go func() {
		defer func() {
			cancel()
			close(out)
			close(s.done)
			log.Debug("directory watch released")
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case list, ok := <-raw:
				if !ok {
					return
				}
				sorted := Sorted(list)
				s.set(sorted)
				obs.DirectoryEmissions.Inc()
				stream.Offer(out, sorted)
			}
		}
	}()
	return s, nil
}

// AccountID returns the owning account the view is scoped to.
func (s *Subscription) AccountID() string { return s.accountID }

// Latest returns the most recent emission and whether one has arrived.
func (s *Subscription) Latest() ([]SubUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SubUser, len(s.latest))
	copy(out, s.latest)
	return out, s.seen
}

// Done is closed after the watch has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close releases the watch and waits for the forwarder to stop. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription) set(list []SubUser) {
	s.mu.Lock()
	s.latest = list
	s.seen = true
	s.mu.Unlock()
}
