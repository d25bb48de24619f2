package collector

import (
	"sync"
	"time"

	"github.com/citydash/transit/model"
)

// SnapshotStore holds the latest snapshot per source. Writers win by
// sequence number: a snapshot with a stale sequence is dropped, so
// out-of-order completion of poll cycles never regresses state.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*model.FeedSnapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snapshots: map[string]*model.FeedSnapshot{},
	}
}

// Put installs a snapshot unless a snapshot with an equal or higher
// sequence number is already present for the source. Returns the
// previous snapshot and whether the new one was installed.
func (s *SnapshotStore) Put(snap *model.FeedSnapshot) (*model.FeedSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snapshots[snap.SourceID]
	if prev != nil && prev.Seq >= snap.Seq {
		return prev, false
	}
	s.snapshots[snap.SourceID] = snap

	return prev, true
}

// Latest returns the current snapshot for a source, or nil.
func (s *SnapshotStore) Latest(sourceID string) *model.FeedSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[sourceID]
}

// All returns the current snapshot of every source, for seeding a new
// subscriber with full state.
func (s *SnapshotStore) All() []*model.FeedSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*model.FeedSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		all = append(all, snap)
	}
	return all
}

// TripDelay resolves the realtime departure delay for a stop on a trip,
// if any trip update covers it. Delays propagate forward: an update at
// an earlier stop_sequence applies to later stops until a later update
// overrides it. Skipped and no-data updates yield no delay.
func (s *SnapshotStore) TripDelay(tripID string, stopID string, stopSequence uint32) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.snapshots {
		if snap.Kind != model.FeedKindTripUpdates {
			continue
		}
		for _, e := range snap.Entities {
			if e.TripID != tripID || e.TripUpdate == nil {
				continue
			}
			if e.TripUpdate.Canceled {
				return 0, false
			}
			return resolveDelay(e.TripUpdate.StopTimeUpdates, stopID, stopSequence)
		}
	}

	return 0, false
}

func resolveDelay(updates []model.StopTimeUpdate, stopID string, stopSequence uint32) (time.Duration, bool) {
	var (
		delay time.Duration
		found bool
	)
	for _, stup := range updates {
		// Updates without a stop_sequence identify a single stop by
		// stop_id; their position along the trip is unknown, so they
		// never propagate to other stops.
		bySequence := stup.StopSequence > 0
		if bySequence && stup.StopSequence > stopSequence && stup.StopID != stopID {
			break
		}
		if !bySequence && stup.StopID != stopID {
			continue
		}
		if stup.Skipped || stup.NoData {
			continue
		}
		d := stup.DepartureDelay
		if d == 0 {
			d = stup.ArrivalDelay
		}
		delay = d
		found = true
		if stup.StopID == stopID || (bySequence && stup.StopSequence == stopSequence) {
			break
		}
	}
	return delay, found
}
