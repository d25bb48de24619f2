package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	transit "github.com/citydash/transit"
	"github.com/citydash/transit/api"
	"github.com/citydash/transit/collector"
	"github.com/citydash/transit/fanout"
	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
	"github.com/citydash/transit/testutil"
)

func testRouter(t *testing.T) *gin.Engine {
	s := testutil.BuildStatic(t, "sqlite", "FEED_1", map[string][]string{
		"agency.txt": {
			"agency_id,agency_timezone,agency_name,agency_url",
			"A1,America/New_York,Agency,http://a.example",
		},
		"routes.txt": {
			"route_id,route_short_name,route_type",
			"R1,R1,3",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,trip_headsign",
			"T1,R1,WKDY,Downtown",
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
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"WKDY,1,1,1,1,1,1,1,20250101,20251231",
		},
	})
	t.Cleanup(func() { s.Close() })

	snapshots := collector.NewSnapshotStore()
	queries := transit.NewQueryService(transit.NewRepository(s), snapshots, zap.NewNop())
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	queries.TimeNow = func() time.Time {
		return time.Date(2025, 9, 28, 8, 0, 0, 0, loc)
	}

	hub := fanout.NewHub(snapshots, zap.NewNop())
	server := api.NewServer(queries, hub, nil, zap.NewNop())

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	server.RegisterRoutes(engine)
	return engine
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestDeparturesEndpoint(t *testing.T) {
	router := testRouter(t)

	w := get(t, router, "/v1/departures?feed_id=FEED_1&stop_id=STOP_123&date=2025-09-28&time=08:00:00&limit=5")
	require.Equal(t, http.StatusOK, w.Code)

	var resp transit.DeparturesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "FEED_1", resp.FeedID)
	require.Len(t, resp.Departures, 1)
	assert.Equal(t, "T1", resp.Departures[0].TripID)
	assert.Equal(t, "08:06:00", resp.Departures[0].DepartureTime)
}

func TestDeparturesEndpointErrors(t *testing.T) {
	router := testRouter(t)

	for _, tc := range []struct {
		name string
		path string
		code int
	}{
		{"missing stop_id", "/v1/departures", http.StatusBadRequest},
		{"bad limit", "/v1/departures?stop_id=STOP_123&limit=abc", http.StatusBadRequest},
		{"limit out of range", "/v1/departures?stop_id=STOP_123&limit=500", http.StatusBadRequest},
		{"unknown stop", "/v1/departures?stop_id=NOPE", http.StatusNotFound},
		{"unknown feed", "/v1/departures?feed_id=NOPE&stop_id=STOP_123", http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := get(t, router, tc.path)
			assert.Equal(t, tc.code, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	router := testRouter(t)

	w := get(t, router, "/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

// The error mapper is worth pinning down directly, unimplemented
// backends in particular: they only occur with a config the test suite
// doesn't otherwise run.
func TestErrorMapping(t *testing.T) {
	snapshots := collector.NewSnapshotStore()
	repo := &erroringRepo{}
	queries := transit.NewQueryService(repo, snapshots, zap.NewNop())
	hub := fanout.NewHub(snapshots, zap.NewNop())
	server := api.NewServer(queries, hub, nil, zap.NewNop())

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	server.RegisterRoutes(engine)

	for _, tc := range []struct {
		err  error
		code int
	}{
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrUnavailable, http.StatusServiceUnavailable},
		{storage.ErrNotImplemented, http.StatusNotImplemented},
	} {
		repo.err = tc.err
		w := get(t, engine, "/v1/departures?stop_id=STOP_123")
		assert.Equal(t, tc.code, w.Code)
	}
}

type erroringRepo struct {
	err error
}

func (r *erroringRepo) NextDepartures(ctx context.Context, q storage.DepartureQuery) ([]model.DepartureRecord, error) {
	return nil, r.err
}

func (r *erroringRepo) Feed(ctx context.Context, feedID string) (*storage.FeedInfo, error) {
	return nil, r.err
}

func (r *erroringRepo) CurrentFeed(ctx context.Context) (*storage.FeedInfo, error) {
	return nil, r.err
}
