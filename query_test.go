package transit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	transit "github.com/citydash/transit"
	"github.com/citydash/transit/collector"
	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
	"github.com/citydash/transit/testutil"
)

func testSchedule(t *testing.T) storage.Store {
	return testutil.BuildStatic(t, "sqlite", "FEED_1", map[string][]string{
		"agency.txt": {
			"agency_id,agency_timezone,agency_name,agency_url",
			"A1,America/New_York,Agency,http://a.example",
		},
		"routes.txt": {
			"route_id,route_short_name,route_long_name,route_type",
			"R1,R1,Route One,3",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,trip_headsign",
			"T1,R1,WKDY,Downtown",
			"T2,R1,WKDY,Downtown",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"STOP_123,Main St,40.0,-74.0",
			"STOP_999,Last Stop,40.1,-74.1",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"T1,STOP_123,1,08:05:00,08:06:00",
			"T1,STOP_999,2,08:20:00,08:20:00",
			"T2,STOP_123,1,08:15:00,08:16:00",
			"T2,STOP_999,2,08:30:00,08:30:00",
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"WKDY,1,1,1,1,1,1,1,20250101,20251231",
		},
	})
}

func newTestQueryService(t *testing.T, s storage.Store, snapshots *collector.SnapshotStore) *transit.QueryService {
	qs := transit.NewQueryService(transit.NewRepository(s), snapshots, zap.NewNop())
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	qs.TimeNow = func() time.Time {
		return time.Date(2025, 9, 28, 8, 0, 0, 0, loc)
	}
	return qs
}

func TestQueryServiceDepartures(t *testing.T) {
	ctx := context.Background()
	s := testSchedule(t)
	defer s.Close()

	qs := newTestQueryService(t, s, nil)

	resp, err := qs.Departures(ctx, transit.DeparturesRequest{
		FeedID: "FEED_1",
		StopID: "STOP_123",
		Date:   "2025-09-28",
		Time:   "08:00:00",
		Limit:  5,
	})
	require.NoError(t, err)

	assert.Equal(t, "FEED_1", resp.FeedID)
	assert.Equal(t, "STOP_123", resp.StopID)
	assert.Equal(t, "2025-09-28", resp.Date)
	assert.Equal(t, "08:00:00", resp.Time)

	require.Len(t, resp.Departures, 2)
	assert.Equal(t, "T1", resp.Departures[0].TripID)
	assert.Equal(t, "R1", resp.Departures[0].RouteID)
	assert.Equal(t, "08:05:00", resp.Departures[0].ArrivalTime)
	assert.Equal(t, "08:06:00", resp.Departures[0].DepartureTime)
	assert.Nil(t, resp.Departures[0].RealtimeDelaySeconds)
	assert.Equal(t, "T2", resp.Departures[1].TripID)
}

func TestQueryServiceDefaults(t *testing.T) {
	ctx := context.Background()
	s := testSchedule(t)
	defer s.Close()

	qs := newTestQueryService(t, s, nil)

	// No feed, date, time or limit: current feed, "now" in the feed's
	// timezone, default limit.
	resp, err := qs.Departures(ctx, transit.DeparturesRequest{
		StopID: "STOP_123",
	})
	require.NoError(t, err)

	assert.Equal(t, "FEED_1", resp.FeedID)
	assert.Equal(t, "2025-09-28", resp.Date)
	assert.Equal(t, "08:00:00", resp.Time)
	assert.Len(t, resp.Departures, 2)
}

func TestQueryServiceValidation(t *testing.T) {
	ctx := context.Background()
	s := testSchedule(t)
	defer s.Close()

	qs := newTestQueryService(t, s, nil)

	for _, tc := range []struct {
		name  string
		req   transit.DeparturesRequest
		field string
	}{
		{"missing stop", transit.DeparturesRequest{}, "stop_id"},
		{"limit too small", transit.DeparturesRequest{StopID: "STOP_123", Limit: -1}, "limit"},
		{"limit too large", transit.DeparturesRequest{StopID: "STOP_123", Limit: 101}, "limit"},
		{"malformed date", transit.DeparturesRequest{StopID: "STOP_123", Date: "28/09/2025"}, "date"},
		{"impossible date", transit.DeparturesRequest{StopID: "STOP_123", Date: "2025-13-45"}, "date"},
		{"malformed time", transit.DeparturesRequest{StopID: "STOP_123", Time: "8am"}, "time"},
		{"truncated time", transit.DeparturesRequest{StopID: "STOP_123", Time: "08:0"}, "time"},
		{"impossible time", transit.DeparturesRequest{StopID: "STOP_123", Time: "25:99:00"}, "time"},
		{"impossible short time", transit.DeparturesRequest{StopID: "STOP_123", Time: "25:99"}, "time"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := qs.Departures(ctx, tc.req)
			var verr *transit.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestQueryServiceAcceptsShortTime(t *testing.T) {
	ctx := context.Background()
	s := testSchedule(t)
	defer s.Close()

	qs := newTestQueryService(t, s, nil)

	// HH:MM means HH:MM:00.
	resp, err := qs.Departures(ctx, transit.DeparturesRequest{
		StopID: "STOP_123",
		Date:   "2025-09-28",
		Time:   "08:00",
	})
	require.NoError(t, err)
	assert.Equal(t, "08:00:00", resp.Time)
	assert.Len(t, resp.Departures, 2)

	resp, err = qs.Departures(ctx, transit.DeparturesRequest{
		StopID: "STOP_123",
		Date:   "2025-09-28",
		Time:   "08:10",
	})
	require.NoError(t, err)
	require.Len(t, resp.Departures, 1)
	assert.Equal(t, "T2", resp.Departures[0].TripID)
}

func TestQueryServiceLimitCeiling(t *testing.T) {
	ctx := context.Background()
	s := testSchedule(t)
	defer s.Close()

	qs := newTestQueryService(t, s, nil)
	qs.MaxLimit = 5

	_, err := qs.Departures(ctx, transit.DeparturesRequest{StopID: "STOP_123", Limit: 6})
	var verr *transit.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "limit", verr.Field)

	_, err = qs.Departures(ctx, transit.DeparturesRequest{StopID: "STOP_123", Limit: 5})
	assert.NoError(t, err)
}

func TestQueryServiceNotFound(t *testing.T) {
	ctx := context.Background()
	s := testSchedule(t)
	defer s.Close()

	qs := newTestQueryService(t, s, nil)

	_, err := qs.Departures(ctx, transit.DeparturesRequest{StopID: "NO_SUCH_STOP"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = qs.Departures(ctx, transit.DeparturesRequest{FeedID: "NO_SUCH_FEED", StopID: "STOP_123"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueryServiceRealtimeEnrichment(t *testing.T) {
	ctx := context.Background()
	s := testSchedule(t)
	defer s.Close()

	snapshots := collector.NewSnapshotStore()
	snapshots.Put(&model.FeedSnapshot{
		SourceID: "src-tu",
		Kind:     model.FeedKindTripUpdates,
		Seq:      1,
		Entities: []model.FeedEntity{
			{
				ID:     "T1",
				Kind:   model.FeedKindTripUpdates,
				TripID: "T1",
				TripUpdate: &model.TripUpdatePayload{
					StopTimeUpdates: []model.StopTimeUpdate{
						{StopID: "STOP_123", StopSequence: 1, DepartureDelay: 2 * time.Minute},
					},
				},
			},
		},
	})

	qs := newTestQueryService(t, s, snapshots)

	resp, err := qs.Departures(ctx, transit.DeparturesRequest{
		StopID: "STOP_123",
		Date:   "2025-09-28",
		Time:   "08:00:00",
	})
	require.NoError(t, err)
	require.Len(t, resp.Departures, 2)

	// T1 is covered by a trip update, T2 is not.
	require.NotNil(t, resp.Departures[0].RealtimeDelaySeconds)
	assert.Equal(t, int64(120), *resp.Departures[0].RealtimeDelaySeconds)
	assert.Nil(t, resp.Departures[1].RealtimeDelaySeconds)
}
