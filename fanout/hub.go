// Package fanout delivers realtime updates to subscribers. The hub is
// transport agnostic: the websocket layer drains subscriber queues, and
// tests subscribe directly.
package fanout

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citydash/transit/classify"
	"github.com/citydash/transit/collector"
	"github.com/citydash/transit/model"
)

const (
	defaultQueueCapacity = 64
	defaultReorderWindow = 32
)

type MessageType string

const (
	// Full state for the subscriber's filter. Sent on connect and
	// after an overflow.
	MessageTypeSnapshot MessageType = "snapshot"

	// Incremental change since the previous message.
	MessageTypeDelta MessageType = "delta"
)

type Message struct {
	Type MessageType `json:"type"`

	// Set for deltas.
	Delta *model.Delta `json:"delta,omitempty"`

	// Set for snapshots. Entities are pre-filtered for the
	// subscriber.
	Snapshots []*model.FeedSnapshot `json:"snapshots,omitempty"`

	// True when the subscriber overflowed and this snapshot replaces
	// whatever it had.
	Resync bool `json:"resync,omitempty"`
}

type Subscriber struct {
	ID     string
	filter classify.Filter
	queue  chan Message
}

// C is the subscriber's message stream. Closed on unsubscribe.
func (s *Subscriber) C() <-chan Message {
	return s.queue
}

// Hub fans collector snapshots out to subscribers as filtered deltas.
// Delivery per source is in sequence order; a subscriber that cannot
// keep up has its queue replaced with a single resync snapshot.
type Hub struct {
	store  *collector.SnapshotStore
	logger *zap.Logger

	// Per-subscriber queue capacity. A subscriber that falls further
	// behind than this is forced through a resync rather than blocking
	// the hub or receiving a partial stream. Set before the first
	// Subscribe.
	QueueCapacity int

	// Snapshots arriving out of order are held back up to this many
	// sequence numbers before the hub gives up waiting for the gap.
	ReorderWindow uint64

	mu          sync.Mutex
	subscribers map[string]*Subscriber

	// Last snapshot delivered per source, and out-of-order arrivals
	// waiting for their predecessors.
	delivered map[string]*model.FeedSnapshot
	pending   map[string]map[uint64]*model.FeedSnapshot
}

func NewHub(store *collector.SnapshotStore, logger *zap.Logger) *Hub {
	return &Hub{
		store:         store,
		logger:        logger,
		QueueCapacity: defaultQueueCapacity,
		ReorderWindow: defaultReorderWindow,
		subscribers:   map[string]*Subscriber{},
		delivered:     map[string]*model.FeedSnapshot{},
		pending:       map[string]map[uint64]*model.FeedSnapshot{},
	}
}

// Subscribe registers a new subscriber and seeds its queue with a
// snapshot of current state.
func (h *Hub) Subscribe(filter classify.Filter) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		filter: filter,
		queue:  make(chan Message, h.QueueCapacity),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers[sub.ID] = sub
	sub.queue <- Message{
		Type:      MessageTypeSnapshot,
		Snapshots: filterSnapshots(h.store.All(), filter),
	}

	h.logger.Debug("subscriber added",
		zap.String("subscriber", sub.ID),
		zap.Int("total", len(h.subscribers)))

	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	close(sub.queue)

	h.logger.Debug("subscriber removed",
		zap.String("subscriber", sub.ID),
		zap.Int("total", len(h.subscribers)))
}

// Publish accepts a snapshot from the collector. Stale snapshots are
// dropped. Out-of-order snapshots within the reorder window wait for
// the gap to fill; beyond it the hub skips ahead, which is lossless
// because deltas are computed against the last delivered snapshot.
func (h *Hub) Publish(snap *model.FeedSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	last := h.delivered[snap.SourceID]
	lastSeq := uint64(0)
	if last != nil {
		lastSeq = last.Seq
	}

	if snap.Seq <= lastSeq {
		return
	}

	if snap.Seq > lastSeq+1 && snap.Seq-lastSeq <= h.ReorderWindow {
		if h.pending[snap.SourceID] == nil {
			h.pending[snap.SourceID] = map[uint64]*model.FeedSnapshot{}
		}
		h.pending[snap.SourceID][snap.Seq] = snap
		return
	}

	h.deliver(snap)

	// Pending successors may now be deliverable. Beyond-window
	// arrivals flush in order regardless of gaps.
	pending := h.pending[snap.SourceID]
	for {
		next, ok := pending[h.delivered[snap.SourceID].Seq+1]
		if !ok {
			break
		}
		delete(pending, next.Seq)
		h.deliver(next)
	}
}

// deliver computes and enqueues per-subscriber deltas. Caller holds the
// lock.
func (h *Hub) deliver(snap *model.FeedSnapshot) {
	prev := h.delivered[snap.SourceID]
	h.delivered[snap.SourceID] = snap

	for _, sub := range h.subscribers {
		delta := classify.Delta(prev, snap, sub.filter)
		if delta.Empty() {
			continue
		}

		select {
		case sub.queue <- Message{Type: MessageTypeDelta, Delta: &delta}:
		default:
			h.resync(sub)
		}
	}
}

// resync empties an overflowed subscriber's queue and replaces it with
// a full snapshot. Oldest messages go first; the snapshot supersedes
// everything dropped.
func (h *Hub) resync(sub *Subscriber) {
	for {
		select {
		case <-sub.queue:
		default:
			sub.queue <- Message{
				Type:      MessageTypeSnapshot,
				Snapshots: filterSnapshots(h.store.All(), sub.filter),
				Resync:    true,
			}
			h.logger.Warn("subscriber overflowed, forced resync",
				zap.String("subscriber", sub.ID))
			return
		}
	}
}

func filterSnapshots(snaps []*model.FeedSnapshot, filter classify.Filter) []*model.FeedSnapshot {
	out := []*model.FeedSnapshot{}
	for _, snap := range snaps {
		filtered := &model.FeedSnapshot{
			SourceID:  snap.SourceID,
			Kind:      snap.Kind,
			FetchedAt: snap.FetchedAt,
			Seq:       snap.Seq,
		}
		for _, e := range snap.Entities {
			if filter.Matches(e) {
				filtered.Entities = append(filtered.Entities, e)
			}
		}
		out = append(out, filtered)
	}
	return out
}
