package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xtrntr/papertrade/internal/models"

	"go.uber.org/zap"
)

var ErrHubClosed = errors.New("market hub closed")

const subscriberBuffer = 4

// SnapshotPublisher receives every tick produced by a feed
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, s models.Snapshot) error
}

// Subscription delivers the snapshots of one symbol. C is closed when the
// subscription ends, either through Close, because the subscriber fell
// behind, or because the hub shut down.
type Subscription struct {
	C      <-chan models.Snapshot
	Symbol string

	ch   chan models.Snapshot
	feed *feed
	hub  *Hub
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// feed advances one symbol once per interval while it has subscribers
type feed struct {
	symbol string

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	stopped bool
	stop    chan struct{}
}

// remove must be called with f.mu held
func (f *feed) remove(s *Subscription) {
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		close(s.ch)
	}
}

// Hub multiplexes per-symbol feeds to subscribers. All subscribers of a
// symbol share one walk: every tick is one Advance on the shared state and
// the same snapshot goes to each of them.
type Hub struct {
	registry  *Registry
	interval  time.Duration
	publisher SnapshotPublisher
	logger    *zap.Logger

	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
}

// NewHub creates a hub. publisher and logger may be nil.
func NewHub(registry *Registry, interval time.Duration, publisher SnapshotPublisher, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:  registry,
		interval:  interval,
		publisher: publisher,
		logger:    logger,
		feeds:     make(map[string]*feed),
	}
}

// Subscribe starts receiving ticks for symbol. The current state is
// delivered first, without advancing the walk.
func (h *Hub) Subscribe(symbol string) (*Subscription, error) {
	symbol = models.NormalizeSymbol(symbol)
	state := h.registry.Get(symbol)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	f, ok := h.feeds[symbol]
	if !ok {
		f = &feed{
			symbol: symbol,
			subs:   make(map[*Subscription]struct{}),
			stop:   make(chan struct{}),
		}
		h.feeds[symbol] = f
		go h.run(f)
		h.logger.Debug("Feed started", zap.String("symbol", symbol))
	}

	ch := make(chan models.Snapshot, subscriberBuffer)
	sub := &Subscription{C: ch, Symbol: symbol, ch: ch, feed: f, hub: h}

	f.mu.Lock()
	ch <- state.Snapshot()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	return sub, nil
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := s.feed
	f.mu.Lock()
	defer f.mu.Unlock()

	f.remove(s)
	h.stopIfIdle(f)
}

// stopIfIdle must be called with h.mu and f.mu held
func (h *Hub) stopIfIdle(f *feed) {
	if len(f.subs) > 0 || f.stopped {
		return
	}
	f.stopped = true
	close(f.stop)
	if h.feeds[f.symbol] == f {
		delete(h.feeds, f.symbol)
	}
	h.logger.Debug("Feed stopped", zap.String("symbol", f.symbol))
}

func (h *Hub) run(f *feed) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			snap, dropped, ok := h.tick(f)
			if !ok {
				return
			}
			if dropped {
				h.mu.Lock()
				f.mu.Lock()
				h.stopIfIdle(f)
				f.mu.Unlock()
				h.mu.Unlock()
			}
			h.publish(snap)
		}
	}
}

// tick advances the shared walk and hands the snapshot to every subscriber.
// A subscriber whose buffer is full is dropped rather than waited for.
func (h *Hub) tick(f *feed) (models.Snapshot, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return models.Snapshot{}, false, false
	}

	snap := h.registry.Advance(f.symbol)
	dropped := false
	for sub := range f.subs {
		select {
		case sub.ch <- snap:
		default:
			h.logger.Info("Dropping slow subscriber", zap.String("symbol", f.symbol), zap.Int64("seq", snap.Seq))
			f.remove(sub)
			dropped = true
		}
	}
	return snap, dropped, true
}

func (h *Hub) publish(snap models.Snapshot) {
	if h.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()
	if err := h.publisher.PublishSnapshot(ctx, snap); err != nil {
		h.logger.Warn("Failed to publish snapshot", zap.String("symbol", snap.Symbol), zap.Error(err))
	}
}

// ActiveFeeds returns the number of symbols currently ticking
func (h *Hub) ActiveFeeds() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

// Close stops every feed and ends all subscriptions. Symbol states stay in
// the registry.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, f := range h.feeds {
		f.mu.Lock()
		for sub := range f.subs {
			f.remove(sub)
		}
		h.stopIfIdle(f)
		f.mu.Unlock()
	}
}
