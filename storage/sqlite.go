package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/citydash/transit/model"
)

type SQLiteConfig struct {
	// Path of the database file. Blank means in-memory.
	Path string
}

// SQLiteStorage keeps all feeds in a single database, with every record
// scoped by feed_id.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	sourceName := ":memory:"
	if len(cfg) > 0 && cfg[0].Path != "" {
		sourceName = cfg[0].Path
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := createScheduleTables(db, sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db}, nil
}

var sqliteSchema = map[string]string{
	"feeds": `
CREATE TABLE IF NOT EXISTS feeds (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL,
    is_current INTEGER NOT NULL DEFAULT 0,
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
    desc TEXT,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
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
    desc TEXT,
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
    direction_id INTEGER,
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

func createScheduleTables(db *sql.DB, schema map[string]string) error {
	for name, query := range schema {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("creating %s table: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Feeds(ctx context.Context) ([]*FeedInfo, error) {
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

func (s *SQLiteStorage) Feed(ctx context.Context, feedID string) (*FeedInfo, error) {
	return scanFeedRow(s.db.QueryRowContext(ctx, `
SELECT id, url, timezone, retrieved_at, is_current, calendar_start, calendar_end
FROM feeds
WHERE id = ?`, feedID), feedID)
}

func (s *SQLiteStorage) CurrentFeed(ctx context.Context) (*FeedInfo, error) {
	return scanFeedRow(s.db.QueryRowContext(ctx, `
SELECT id, url, timezone, retrieved_at, is_current, calendar_start, calendar_end
FROM feeds
WHERE is_current = 1
ORDER BY retrieved_at DESC
LIMIT 1`), "current feed")
}

func scanFeedRow(row *sql.Row, what string) (*FeedInfo, error) {
	var f FeedInfo
	err := row.Scan(
		&f.ID,
		&f.URL,
		&f.Timezone,
		&f.RetrievedAt,
		&f.IsCurrent,
		&f.CalendarStartDate,
		&f.CalendarEndDate,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("feed %s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("reading feed", err)
	}
	return &f, nil
}

func (s *SQLiteStorage) WriteFeedInfo(ctx context.Context, info *FeedInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("starting transaction", err)
	}

	if info.IsCurrent {
		if _, err := tx.Exec(`UPDATE feeds SET is_current = 0 WHERE id != ?`, info.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("clearing current flag: %w", err)
		}
	}

	_, err = tx.Exec(`
INSERT INTO feeds (id, url, timezone, retrieved_at, is_current, calendar_start, calendar_end)
VALUES (?, ?, ?, ?, ?, ?, ?)
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

func (s *SQLiteStorage) StopExists(ctx context.Context, feedID string, stopID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM stops WHERE feed_id = ? AND id = ?`, feedID, stopID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("checking stop", err)
	}
	return true, nil
}

func (s *SQLiteStorage) ActiveServices(ctx context.Context, feedID string, date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}
	weekday := strings.ToLower(parsedDate.Weekday().String())

	rows, err := s.db.QueryContext(ctx, `
WITH
Exceptions AS (
	SELECT service_id, exception_type
	FROM calendar_dates
	WHERE feed_id = ? AND date = ?
),
Regular AS (
	SELECT service_id
	FROM calendar
	WHERE feed_id = ? AND `+weekday+` = 1 AND
	      start_date <= ? AND
	      end_date >= ?
)
SELECT service_id
FROM Regular
WHERE service_id NOT IN (
	SELECT service_id FROM Exceptions WHERE exception_type = 2
)
UNION
SELECT service_id
FROM Exceptions
WHERE exception_type = 1`, feedID, date, feedID, date, date)
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

func (s *SQLiteStorage) Departures(ctx context.Context, q DepartureQuery) ([]model.DepartureRecord, error) {
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

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(services)), ", ")
	params := []interface{}{q.FeedID, q.StopID, q.FromTime}
	for _, svc := range services {
		params = append(params, svc)
	}
	params = append(params, q.Limit)

	// The last stop of a trip is not a boardable departure, hence the
	// stop_sequence subquery.
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
WHERE st.feed_id = ? AND
      st.stop_id = ? AND
      st.departure_time >= ? AND
      trips.service_id IN (`+placeholders+`) AND
      st.stop_sequence < (
          SELECT MAX(stop_sequence) FROM stop_times
          WHERE feed_id = st.feed_id AND trip_id = st.trip_id
      )
ORDER BY st.departure_time, st.trip_id
LIMIT ?`, params...)
	if err != nil {
		return nil, unavailable("querying departures", err)
	}
	defer rows.Close()

	return scanDepartures(rows)
}

func scanDepartures(rows *sql.Rows) ([]model.DepartureRecord, error) {
	departures := []model.DepartureRecord{}
	for rows.Next() {
		var (
			dep          model.DepartureRecord
			arrival      string
			departure    string
			stopHeadsign sql.NullString
			tripHeadsign sql.NullString
			shortName    sql.NullString
			longName     sql.NullString
		)
		err := rows.Scan(
			&dep.TripID,
			&dep.StopID,
			&dep.StopSequence,
			&arrival,
			&departure,
			&stopHeadsign,
			&tripHeadsign,
			&dep.DirectionID,
			&dep.RouteID,
			&shortName,
			&longName,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning departure: %w", err)
		}

		dep.ArrivalTime = ClockTime(arrival)
		dep.DepartureTime = ClockTime(departure)
		dep.RouteShortName = shortName.String
		dep.RouteLongName = longName.String

		// stop_headsign overrides the trip headsign when present
		dep.Headsign = stopHeadsign.String
		if dep.Headsign == "" {
			dep.Headsign = tripHeadsign.String
		}

		departures = append(departures, dep)
	}

	return departures, nil
}

type sqliteFeedWriter struct {
	db     *sql.DB
	feedID string

	stopTimeInsertQuery *sql.Stmt
	stopTimeInsertTx    *sql.Tx
}

func (s *SQLiteStorage) GetWriter(feedID string) (FeedWriter, error) {
	// Drop any previous import of this feed. The new records become
	// visible as they land; callers flip is_current once Close
	// succeeds.
	for _, table := range []string{"agency", "stops", "routes", "trips", "stop_times", "calendar", "calendar_dates"} {
		if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE feed_id = ?`, feedID); err != nil {
			return nil, fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	return &sqliteFeedWriter{db: s.db, feedID: feedID}, nil
}

func (w *sqliteFeedWriter) WriteAgency(a *model.Agency) error {
	_, err := w.db.Exec(`
INSERT INTO agency (feed_id, id, name, url, timezone)
VALUES (?, ?, ?, ?, ?)`,
		w.feedID, a.ID, a.Name, a.URL, a.Timezone)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (w *sqliteFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (feed_id, id, code, name, desc, lat, lon, location_type, parent_station, platform_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (w *sqliteFeedWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (feed_id, id, agency_id, short_name, long_name, desc, type, color, text_color)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (w *sqliteFeedWriter) WriteTrip(trip *model.Trip) error {
	_, err := w.db.Exec(`
INSERT INTO trips (feed_id, id, route_id, service_id, headsign, short_name, direction_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (w *sqliteFeedWriter) WriteCalendar(cal *model.Calendar) error {
	days := weekdayColumns(cal.Weekday)
	_, err := w.db.Exec(`
INSERT INTO calendar (feed_id, service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

// [monday..sunday] as 0/1 ints from the weekday bitmask.
func weekdayColumns(weekday int8) [7]int {
	var days [7]int
	for i, day := range []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	} {
		if weekday&(1<<day) != 0 {
			days[i] = 1
		}
	}
	return days
}

func (w *sqliteFeedWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := w.db.Exec(`
INSERT INTO calendar_dates (feed_id, service_id, date, exception_type)
VALUES (?, ?, ?, ?)`,
		w.feedID, cd.ServiceID, cd.Date, cd.ExceptionType)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}
	return nil
}

func (w *sqliteFeedWriter) BeginStopTimes() error {
	var err error
	w.stopTimeInsertTx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stop_time insert transaction: %w", err)
	}

	w.stopTimeInsertQuery, err = w.stopTimeInsertTx.Prepare(`
INSERT INTO stop_times (feed_id, trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		w.stopTimeInsertTx.Rollback()
		w.stopTimeInsertTx = nil
		return fmt.Errorf("preparing stop_time insert: %w", err)
	}

	return nil
}

func (w *sqliteFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
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

func (w *sqliteFeedWriter) EndStopTimes() error {
	w.stopTimeInsertQuery.Close()
	err := w.stopTimeInsertTx.Commit()
	if err != nil {
		return fmt.Errorf("committing stop_time insert transaction: %w", err)
	}
	w.stopTimeInsertTx = nil
	w.stopTimeInsertQuery = nil

	return nil
}

func (w *sqliteFeedWriter) Close() error {
	if _, err := w.db.Exec(`ANALYZE;`); err != nil {
		return fmt.Errorf("analyzing database: %w", err)
	}
	return nil
}
