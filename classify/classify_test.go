package classify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citydash/transit/classify"
	"github.com/citydash/transit/model"
)

func entity(id string, stops []string, routes []string) model.FeedEntity {
	return model.FeedEntity{
		ID:       id,
		Kind:     model.FeedKindTripUpdates,
		TripID:   id,
		StopIDs:  stops,
		RouteIDs: routes,
		TripUpdate: &model.TripUpdatePayload{
			StopTimeUpdates: []model.StopTimeUpdate{
				{StopID: "S1", StopSequence: 1, DepartureDelay: time.Minute},
			},
		},
	}
}

func TestFilterMatches(t *testing.T) {
	e := entity("T1", []string{"S1", "S2"}, []string{"R1"})

	for _, tc := range []struct {
		name   string
		filter classify.Filter
		want   bool
	}{
		{"empty filter matches everything", classify.Filter{}, true},
		{"stop intersection", classify.Filter{StopIDs: []string{"S2"}}, true},
		{"route intersection", classify.Filter{RouteIDs: []string{"R1"}}, true},
		{"no intersection", classify.Filter{StopIDs: []string{"S9"}, RouteIDs: []string{"R9"}}, false},
		{"either dimension suffices", classify.Filter{StopIDs: []string{"S9"}, RouteIDs: []string{"R1"}}, true},
		{"matching kind", classify.Filter{Kinds: []model.FeedKind{model.FeedKindTripUpdates}}, true},
		{"wrong kind", classify.Filter{Kinds: []model.FeedKind{model.FeedKindAlerts}}, false},
		{"kind gates stop match", classify.Filter{Kinds: []model.FeedKind{model.FeedKindAlerts}, StopIDs: []string{"S1"}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(e))
		})
	}
}

func TestDeltaFirstSnapshot(t *testing.T) {
	curr := &model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindTripUpdates,
		Seq:      1,
		Entities: []model.FeedEntity{
			entity("T1", []string{"S1"}, nil),
			entity("T2", []string{"S9"}, nil),
		},
	}

	delta := classify.Delta(nil, curr, classify.Filter{StopIDs: []string{"S1"}})

	assert.Equal(t, "src", delta.SourceID)
	assert.Equal(t, uint64(1), delta.Seq)
	require.Len(t, delta.Upserts, 1)
	assert.Equal(t, "T1", delta.Upserts[0].ID)
	assert.Empty(t, delta.Removals)
}

func TestDeltaChangesAndRemovals(t *testing.T) {
	prev := &model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindTripUpdates,
		Seq:      1,
		Entities: []model.FeedEntity{
			entity("T1", []string{"S1"}, nil),
			entity("T2", []string{"S1"}, nil),
			entity("T3", []string{"S9"}, nil),
		},
	}

	changed := entity("T1", []string{"S1"}, nil)
	changed.TripUpdate.StopTimeUpdates[0].DepartureDelay = 2 * time.Minute

	curr := &model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindTripUpdates,
		Seq:      2,
		Entities: []model.FeedEntity{
			// T1 changed, T2 unchanged, T3 and its stop not relevant,
			// T2 stays, nothing for T4.
			changed,
			entity("T2", []string{"S1"}, nil),
		},
	}

	delta := classify.Delta(prev, curr, classify.Filter{StopIDs: []string{"S1"}})

	require.Len(t, delta.Upserts, 1)
	assert.Equal(t, "T1", delta.Upserts[0].ID)

	// T3 disappeared but was never relevant; no removal for it.
	assert.Empty(t, delta.Removals)
	assert.False(t, delta.Empty())
}

func TestDeltaRemovals(t *testing.T) {
	prev := &model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindTripUpdates,
		Seq:      3,
		Entities: []model.FeedEntity{
			entity("T1", []string{"S1"}, nil),
			entity("T2", []string{"S1"}, nil),
		},
	}
	curr := &model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindTripUpdates,
		Seq:      4,
		Entities: []model.FeedEntity{
			entity("T2", []string{"S1"}, nil),
		},
	}

	delta := classify.Delta(prev, curr, classify.Filter{StopIDs: []string{"S1"}})

	assert.Empty(t, delta.Upserts)
	assert.Equal(t, []string{"T1"}, delta.Removals)
}

func TestDeltaRemovesEntityLeavingScope(t *testing.T) {
	vehicle := func(id, stopID string) model.FeedEntity {
		return model.FeedEntity{
			ID:      id,
			Kind:    model.FeedKindVehiclePositions,
			StopIDs: []string{stopID},
			Vehicle: &model.VehiclePayload{VehicleID: id, StopID: stopID},
		}
	}

	prev := &model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindVehiclePositions,
		Seq:      1,
		Entities: []model.FeedEntity{vehicle("V1", "S1")},
	}
	// V1 is still in the feed, now approaching a stop the subscriber
	// does not watch.
	curr := &model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindVehiclePositions,
		Seq:      2,
		Entities: []model.FeedEntity{vehicle("V1", "S2")},
	}

	delta := classify.Delta(prev, curr, classify.Filter{StopIDs: []string{"S1"}})

	assert.Empty(t, delta.Upserts)
	assert.Equal(t, []string{"V1"}, delta.Removals)

	// And the mirror image: moving into scope is an upsert.
	delta = classify.Delta(prev, curr, classify.Filter{StopIDs: []string{"S2"}})
	require.Len(t, delta.Upserts, 1)
	assert.Equal(t, "V1", delta.Upserts[0].ID)
	assert.Empty(t, delta.Removals)
}

func TestDeltaUnchangedSnapshotIsEmpty(t *testing.T) {
	snap := func(seq uint64) *model.FeedSnapshot {
		return &model.FeedSnapshot{
			SourceID: "src",
			Kind:     model.FeedKindTripUpdates,
			Seq:      seq,
			Entities: []model.FeedEntity{entity("T1", []string{"S1"}, nil)},
		}
	}

	// Republished identical content, later seq: nothing to deliver.
	delta := classify.Delta(snap(1), snap(2), classify.Filter{})
	assert.True(t, delta.Empty())
}

func TestDeltaDeterministic(t *testing.T) {
	curr := &model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindTripUpdates,
		Seq:      1,
		Entities: []model.FeedEntity{
			entity("T3", []string{"S1"}, nil),
			entity("T1", []string{"S1"}, nil),
			entity("T2", []string{"S1"}, nil),
		},
	}

	first := classify.Delta(nil, curr, classify.Filter{})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, classify.Delta(nil, curr, classify.Filter{}))
	}

	// Upserts come back sorted by entity ID.
	require.Len(t, first.Upserts, 3)
	assert.Equal(t, "T1", first.Upserts[0].ID)
	assert.Equal(t, "T2", first.Upserts[1].ID)
	assert.Equal(t, "T3", first.Upserts[2].ID)
}
