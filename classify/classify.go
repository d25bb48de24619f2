// Package classify decides which realtime entities matter to which
// subscriber, and reduces consecutive feed snapshots to minimal deltas.
// Everything here is pure: same inputs, same outputs, no clocks, no IO.
package classify

import (
	"reflect"
	"sort"

	"github.com/citydash/transit/model"
)

// A subscriber's interest. Empty slices mean "no constraint on this
// dimension". An entity is relevant when its kind passes the kind
// constraint and it touches at least one requested stop or route (or
// the filter has neither stops nor routes).
type Filter struct {
	Kinds    []model.FeedKind
	StopIDs  []string
	RouteIDs []string
}

func (f Filter) Matches(e model.FeedEntity) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}

	if len(f.StopIDs) == 0 && len(f.RouteIDs) == 0 {
		return true
	}

	for _, stopID := range f.StopIDs {
		if containsString(e.StopIDs, stopID) {
			return true
		}
	}
	for _, routeID := range f.RouteIDs {
		if containsString(e.RouteIDs, routeID) {
			return true
		}
	}

	return false
}

// Delta computes the changes between two consecutive snapshots of the
// same source, reduced to the entities the filter cares about. A nil
// prev means "first snapshot seen": every relevant entity is an upsert.
// Entity IDs relevant in prev that are gone from curr, or whose current
// version no longer matches the filter, become removals. Output
// ordering is deterministic (sorted by entity ID).
func Delta(prev, curr *model.FeedSnapshot, filter Filter) model.Delta {
	delta := model.Delta{
		SourceID: curr.SourceID,
		Kind:     curr.Kind,
		Seq:      curr.Seq,
	}

	var prevByID map[string]model.FeedEntity
	if prev != nil {
		prevByID = make(map[string]model.FeedEntity, len(prev.Entities))
		for _, e := range prev.Entities {
			prevByID[e.ID] = e
		}
	}

	currByID := make(map[string]model.FeedEntity, len(curr.Entities))
	for _, e := range curr.Entities {
		currByID[e.ID] = e
		if !filter.Matches(e) {
			continue
		}
		if old, ok := prevByID[e.ID]; ok && entityEqual(old, e) {
			continue
		}
		delta.Upserts = append(delta.Upserts, e)
	}

	if prev != nil {
		for _, e := range prev.Entities {
			if !filter.Matches(e) {
				continue
			}
			// Still present and still relevant: the upsert pass has it
			// covered. Gone, or drifted out of the filter's scope: the
			// subscriber must drop its copy.
			if currE, ok := currByID[e.ID]; ok && filter.Matches(currE) {
				continue
			}
			delta.Removals = append(delta.Removals, e.ID)
		}
	}

	sort.Slice(delta.Upserts, func(i, j int) bool {
		return delta.Upserts[i].ID < delta.Upserts[j].ID
	})
	sort.Strings(delta.Removals)

	return delta
}

// Compares entity content, ignoring the snapshot sequence number. An
// entity republished unchanged in a later snapshot is not an upsert.
func entityEqual(a, b model.FeedEntity) bool {
	a.Seq = 0
	b.Seq = 0
	return reflect.DeepEqual(a, b)
}

func containsKind(kinds []model.FeedKind, k model.FeedKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
