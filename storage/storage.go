package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/citydash/transit/model"
)

// Error taxonomy shared by all backends. Callers match with errors.Is.
var (
	// An unknown feed or stop. Surfaced to the caller, never retried.
	ErrNotFound = errors.New("not found")

	// The backing store cannot be reached. Transient; retry policy
	// belongs to the caller.
	ErrUnavailable = errors.New("backend unavailable")
)

// Wraps a driver error as ErrUnavailable while keeping the detail.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, err)
}

// Parameters for a departure lookup. Dates and times use GTFS native
// formats (YYYYMMDD, HHMMSS); formatting for API consumers happens above
// this layer.
type DepartureQuery struct {
	FeedID      string
	StopID      string
	ServiceDate string // YYYYMMDD
	FromTime    string // HHMMSS
	Limit       int
}

// Metadata for an imported static feed.
type FeedInfo struct {
	ID                string
	URL               string
	Timezone          string
	RetrievedAt       time.Time
	IsCurrent         bool
	CalendarStartDate string // YYYYMMDD
	CalendarEndDate   string // YYYYMMDD
}

// Store is the schedule repository contract. Multiple interchangeable
// backends satisfy it (SQLite, Postgres, in-memory); callers depend on
// the interface only, and backend selection is a configuration decision.
type Store interface {
	// Next scheduled departures at a stop, ordered by departure time
	// ascending with ties broken by trip ID, at most q.Limit records.
	// An empty result is not an error. Returns ErrNotFound if the feed
	// or stop does not exist, ErrUnavailable if the store is
	// unreachable.
	Departures(ctx context.Context, q DepartureQuery) ([]model.DepartureRecord, error)

	Feeds(ctx context.Context) ([]*FeedInfo, error)
	Feed(ctx context.Context, feedID string) (*FeedInfo, error)

	// The feed flagged as current. ErrNotFound when none is.
	CurrentFeed(ctx context.Context) (*FeedInfo, error)

	StopExists(ctx context.Context, feedID string, stopID string) (bool, error)

	// Service IDs active on the given date (YYYYMMDD), honoring
	// calendar_dates exceptions.
	ActiveServices(ctx context.Context, feedID string, date string) ([]string, error)

	// Writes feed metadata. An existing record with the same ID is
	// updated. Setting IsCurrent clears the flag on all other feeds.
	WriteFeedInfo(ctx context.Context, info *FeedInfo) error

	// A writer for importing static records for one feed. Any prior
	// records for the feed are dropped; the import becomes visible
	// when the writer is closed.
	GetWriter(feedID string) (FeedWriter, error)

	Close() error
}

// Writes GTFS records for a single feed. stop_times.txt tends to be very
// large, so BeginStopTimes/EndStopTimes bracket the WriteStopTime calls
// to allow transactions and batching.
type FeedWriter interface {
	WriteAgency(agency *model.Agency) error
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteTrip(trip *model.Trip) error
	WriteCalendar(cal *model.Calendar) error
	WriteCalendarDate(caldate *model.CalendarDate) error
	BeginStopTimes() error
	WriteStopTime(stopTime *model.StopTime) error
	EndStopTimes() error
	Close() error
}

// HH:MM:SS form of a GTFS HHMMSS time, for API payloads.
func ClockTime(hhmmss string) string {
	if len(hhmmss) != 6 {
		return hhmmss
	}
	return hhmmss[0:2] + ":" + hhmmss[2:4] + ":" + hhmmss[4:6]
}
