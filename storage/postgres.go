package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/citydash/transit/model"
)

// PSQLStorage mirrors SQLiteStorage on Postgres. Kept in lockstep with
// the SQLite schema so backends stay interchangeable.
type PSQLStorage struct {
	db *sql.DB
}

func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if clearDB {
		for table := range psqlSchema {
			if _, err := db.Exec(`DROP TABLE IF EXISTS ` + table + ` CASCADE`); err != nil {
				db.Close()
				return nil, fmt.Errorf("dropping %s: %w", table, err)
			}
		}
	}

	if err := createScheduleTables(db, psqlSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &PSQLStorage{db: db}, nil
}

var psqlSchema = map[string]string{
	"feeds": `
CREATE TABLE IF NOT EXISTS feeds (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL,
    retrieved_at TIMESTAMPTZ NOT NULL,
    is_current BOOLEAN NOT NULL DEFAULT FALSE,
    calendar_start TEXT NOT NULL,
    calendar_end TEXT NOT NULL
);`,
	"agency": `
CREATE TABLE IF NOT EXISTS agency (
    feed_id TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    url TEXT,
    timezone TEXT NOT NULL,
PRIMARY KEY (feed_id, id)
);`,
	"stops": `
CREATE TABLE IF NOT EXISTS stops (
    feed_id TEXT NOT NULL,
    id TEXT NOT NULL,
    code TEXT,
    name TEXT NOT NULL,
    "desc" TEXT,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    location_type INTEGER NOT NULL,
    parent_station TEXT,
    platform_code TEXT,
PRIMARY KEY (feed_id, id)
);`,
	"routes": `
CREATE TABLE IF NOT EXISTS routes (
    feed_id TEXT NOT NULL,
    id TEXT NOT NULL,
    agency_id TEXT,
    short_name TEXT,
    long_name TEXT,
    "desc" TEXT,
    type INTEGER NOT NULL,
    color TEXT,
    text_color TEXT,
PRIMARY KEY (feed_id, id)
);`,
	"trips": `
CREATE TABLE IF NOT EXISTS trips (
    feed_id TEXT NOT NULL,
    id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT,
    short_name TEXT,
    direction_id SMALLINT,
PRIMARY KEY (feed_id, id)
);
CREATE INDEX IF NOT EXISTS trips_service_id ON trips (feed_id, service_id);`,
	"stop_times": `
CREATE TABLE IF NOT EXISTS stop_times (
    feed_id TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    headsign TEXT
);
CREATE INDEX IF NOT EXISTS stop_times_stop ON stop_times (feed_id, stop_id, departure_time);
CREATE INDEX IF NOT EXISTS stop_times_trip ON stop_times (feed_id, trip_id);`,
	"calendar": `
CREATE TABLE IF NOT EXISTS calendar (
    feed_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL,
PRIMARY KEY (feed_id, service_id)
);`,
	"calendar_dates": `
CREATE TABLE IF NOT EXISTS calendar_dates (
    feed_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calendar_dates_date ON calendar_dates (feed_id, date);`,
}

func (s *PSQLStorage) Close() error {
	return s.db.Close()
}

func (s *PSQLStorage) Feeds(ctx context.Context) ([]*FeedInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, url, timezone, retrieved_at, is_current, calendar_start, calendar_end
FROM feeds
ORDER BY retrieved_at DESC`)
	if err != nil {
		return nil, unavailable("listing feeds", err)
	}
	defer rows.Close()

	feeds := []*FeedInfo{}
	for rows.Next() {
		var f FeedInfo
		err := rows.Scan(
			&f.ID,
			&f.URL,
			&f.Timezone,
			&f.RetrievedAt,
			&f.IsCurrent,
			&f.CalendarStartDate,
			&f.CalendarEndDate,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, &f)
	}

	return feeds, nil
}

func (s *PSQLStorage) Feed(ctx context.Context, feedID string) (*FeedInfo, error) {
	return scanFeedRow(s.db.QueryRowContext(ctx, `
SELECT id, url, timezone, retrieved_at, is_current, calendar_start, calendar_end
FROM feeds
WHERE id = $1`, feedID), feedID)
}

func (s *PSQLStorage) CurrentFeed(ctx context.Context) (*FeedInfo, error) {
	return scanFeedRow(s.db.QueryRowContext(ctx, `
SELECT id, url, timezone, retrieved_at, is_current, calendar_start, calendar_end
FROM feeds
WHERE is_current
ORDER BY retrieved_at DESC
LIMIT 1`), "current feed")
}

func (s *PSQLStorage) WriteFeedInfo(ctx context.Context, info *FeedInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("starting transaction", err)
	}

	if info.IsCurrent {
		if _, err := tx.Exec(`UPDATE feeds SET is_current = FALSE WHERE id != $1`, info.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("clearing current flag: %w", err)
		}
	}

	_, err = tx.Exec(`
INSERT INTO feeds (id, url, timezone, retrieved_at, is_current, calendar_start, calendar_end)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    url = excluded.url,
    timezone = excluded.timezone,
    retrieved_at = excluded.retrieved_at,
    is_current = excluded.is_current,
    calendar_start = excluded.calendar_start,
    calendar_end = excluded.calendar_end`,
		info.ID,
		info.URL,
		info.Timezone,
		info.RetrievedAt,
		info.IsCurrent,
		info.CalendarStartDate,
		info.CalendarEndDate,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("writing feed info: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing feed info", err)
	}
	return nil
}

func (s *PSQLStorage) StopExists(ctx context.Context, feedID string, stopID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM stops WHERE feed_id = $1 AND id = $2`, feedID, stopID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("checking stop", err)
	}
	return true, nil
}

func (s *PSQLStorage) ActiveServices(ctx context.Context, feedID string, date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}
	weekday := strings.ToLower(parsedDate.Weekday().String())

	rows, err := s.db.QueryContext(ctx, `
WITH
exceptions AS (
	SELECT service_id, exception_type
	FROM calendar_dates
	WHERE feed_id = $1 AND date = $2
),
regular AS (
	SELECT service_id
	FROM calendar
	WHERE feed_id = $1 AND `+weekday+` = 1 AND
	      start_date <= $2 AND
	      end_date >= $2
)
SELECT service_id
FROM regular
WHERE service_id NOT IN (
	SELECT service_id FROM exceptions WHERE exception_type = 2
)
UNION
SELECT service_id
FROM exceptions
WHERE exception_type = 1`, feedID, date)
	if err != nil {
		return nil, unavailable("querying active services", err)
	}
	defer rows.Close()

	services := []string{}
	for rows.Next() {
		var serviceID string
		if err := rows.Scan(&serviceID); err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		services = append(services, serviceID)
	}

	return services, nil
}

func (s *PSQLStorage) Departures(ctx context.Context, q DepartureQuery) ([]model.DepartureRecord, error) {
	if _, err := s.Feed(ctx, q.FeedID); err != nil {
		return nil, err
	}
	ok, err := s.StopExists(ctx, q.FeedID, q.StopID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("stop %s: %w", q.StopID, ErrNotFound)
	}

	services, err := s.ActiveServices(ctx, q.FeedID, q.ServiceDate)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return []model.DepartureRecord{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT
    st.trip_id,
    st.stop_id,
    st.stop_sequence,
    st.arrival_time,
    st.departure_time,
    st.headsign,
    trips.headsign,
    trips.direction_id,
    trips.route_id,
    routes.short_name,
    routes.long_name
FROM stop_times st
INNER JOIN trips ON trips.feed_id = st.feed_id AND trips.id = st.trip_id
INNER JOIN routes ON routes.feed_id = st.feed_id AND routes.id = trips.route_id
WHERE st.feed_id = $1 AND
      st.stop_id = $2 AND
      st.departure_time >= $3 AND
      trips.service_id = ANY($4) AND
      st.stop_sequence < (
          SELECT MAX(stop_sequence) FROM stop_times
          WHERE feed_id = st.feed_id AND trip_id = st.trip_id
      )
ORDER BY st.departure_time, st.trip_id
LIMIT $5`,
		q.FeedID, q.StopID, q.FromTime, pq.Array(services), q.Limit)
	if err != nil {
		return nil, unavailable("querying departures", err)
	}
	defer rows.Close()

	return scanDepartures(rows)
}

type psqlFeedWriter struct {
	db     *sql.DB
	feedID string

	stopTimeInsertQuery *sql.Stmt
	stopTimeInsertTx    *sql.Tx
}

func (s *PSQLStorage) GetWriter(feedID string) (FeedWriter, error) {
	for _, table := range []string{"agency", "stops", "routes", "trips", "stop_times", "calendar", "calendar_dates"} {
		if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE feed_id = $1`, feedID); err != nil {
			return nil, fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	return &psqlFeedWriter{db: s.db, feedID: feedID}, nil
}

func (w *psqlFeedWriter) WriteAgency(a *model.Agency) error {
	_, err := w.db.Exec(`
INSERT INTO agency (feed_id, id, name, url, timezone)
VALUES ($1, $2, $3, $4, $5)`,
		w.feedID, a.ID, a.Name, a.URL, a.Timezone)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (w *psqlFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (feed_id, id, code, name, "desc", lat, lon, location_type, parent_station, platform_code)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.feedID,
		stop.ID,
		stop.Code,
		stop.Name,
		stop.Desc,
		stop.Lat,
		stop.Lon,
		stop.LocationType,
		stop.ParentStation,
		stop.PlatformCode,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *psqlFeedWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (feed_id, id, agency_id, short_name, long_name, "desc", type, color, text_color)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.feedID,
		route.ID,
		route.AgencyID,
		route.ShortName,
		route.LongName,
		route.Desc,
		route.Type,
		route.Color,
		route.TextColor,
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (w *psqlFeedWriter) WriteTrip(trip *model.Trip) error {
	_, err := w.db.Exec(`
INSERT INTO trips (feed_id, id, route_id, service_id, headsign, short_name, direction_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.feedID,
		trip.ID,
		trip.RouteID,
		trip.ServiceID,
		trip.Headsign,
		trip.ShortName,
		trip.DirectionID,
	)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (w *psqlFeedWriter) WriteCalendar(cal *model.Calendar) error {
	days := weekdayColumns(cal.Weekday)
	_, err := w.db.Exec(`
INSERT INTO calendar (feed_id, service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.feedID,
		cal.ServiceID,
		cal.StartDate,
		cal.EndDate,
		days[0], days[1], days[2], days[3], days[4], days[5], days[6],
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}
	return nil
}

func (w *psqlFeedWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := w.db.Exec(`
INSERT INTO calendar_dates (feed_id, service_id, date, exception_type)
VALUES ($1, $2, $3, $4)`,
		w.feedID, cd.ServiceID, cd.Date, cd.ExceptionType)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}
	return nil
}

func (w *psqlFeedWriter) BeginStopTimes() error {
	var err error
	w.stopTimeInsertTx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stop_time insert transaction: %w", err)
	}

	w.stopTimeInsertQuery, err = w.stopTimeInsertTx.Prepare(`
INSERT INTO stop_times (feed_id, trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign)
VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		w.stopTimeInsertTx.Rollback()
		w.stopTimeInsertTx = nil
		return fmt.Errorf("preparing stop_time insert: %w", err)
	}

	return nil
}

func (w *psqlFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	_, err := w.stopTimeInsertQuery.Exec(
		w.feedID,
		stopTime.TripID,
		stopTime.StopID,
		stopTime.StopSequence,
		stopTime.Arrival,
		stopTime.Departure,
		stopTime.Headsign,
	)
	if err != nil {
		w.stopTimeInsertQuery.Close()
		w.stopTimeInsertTx.Rollback()
		w.stopTimeInsertTx = nil
		w.stopTimeInsertQuery = nil
		return fmt.Errorf("inserting stop_time: %w", err)
	}

	return nil
}

func (w *psqlFeedWriter) EndStopTimes() error {
	w.stopTimeInsertQuery.Close()
	err := w.stopTimeInsertTx.Commit()
	if err != nil {
		return fmt.Errorf("committing stop_time insert transaction: %w", err)
	}
	w.stopTimeInsertTx = nil
	w.stopTimeInsertQuery = nil

	return nil
}

func (w *psqlFeedWriter) Close() error {
	if _, err := w.db.Exec(`ANALYZE`); err != nil {
		return fmt.Errorf("analyzing database: %w", err)
	}
	return nil
}
