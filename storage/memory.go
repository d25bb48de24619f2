package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/citydash/transit/model"
)

// MemoryStorage is an in-memory Store. Used in tests and in
// collector-only deployments that serve no schedule data.
type MemoryStorage struct {
	mu    sync.RWMutex
	feeds map[string]*FeedInfo
	data  map[string]*memoryFeed
}

type memoryFeed struct {
	agencies      []*model.Agency
	stops         map[string]*model.Stop
	routes        map[string]*model.Route
	trips         map[string]*model.Trip
	stopTimes     []*model.StopTime
	calendars     map[string]*model.Calendar
	calendarDates []*model.CalendarDate

	maxSeqByTrip map[string]uint32
}

func newMemoryFeed() *memoryFeed {
	return &memoryFeed{
		stops:        map[string]*model.Stop{},
		routes:       map[string]*model.Route{},
		trips:        map[string]*model.Trip{},
		calendars:    map[string]*model.Calendar{},
		maxSeqByTrip: map[string]uint32{},
	}
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		feeds: map[string]*FeedInfo{},
		data:  map[string]*memoryFeed{},
	}
}

func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) Feeds(ctx context.Context) ([]*FeedInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feeds := []*FeedInfo{}
	for _, f := range s.feeds {
		copied := *f
		feeds = append(feeds, &copied)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.After(feeds[j].RetrievedAt)
	})

	return feeds, nil
}

func (s *MemoryStorage) Feed(ctx context.Context, feedID string) (*FeedInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", feedID, ErrNotFound)
	}
	copied := *f
	return &copied, nil
}

func (s *MemoryStorage) CurrentFeed(ctx context.Context) (*FeedInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current *FeedInfo
	for _, f := range s.feeds {
		if !f.IsCurrent {
			continue
		}
		if current == nil || f.RetrievedAt.After(current.RetrievedAt) {
			current = f
		}
	}
	if current == nil {
		return nil, fmt.Errorf("feed current feed: %w", ErrNotFound)
	}
	copied := *current
	return &copied, nil
}

func (s *MemoryStorage) WriteFeedInfo(ctx context.Context, info *FeedInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.IsCurrent {
		for id, f := range s.feeds {
			if id != info.ID {
				f.IsCurrent = false
			}
		}
	}
	copied := *info
	s.feeds[info.ID] = &copied

	return nil
}

func (s *MemoryStorage) StopExists(ctx context.Context, feedID string, stopID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, ok := s.data[feedID]
	if !ok {
		return false, nil
	}
	_, ok = feed.stops[stopID]
	return ok, nil
}

func (s *MemoryStorage) ActiveServices(ctx context.Context, feedID string, date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, ok := s.data[feedID]
	if !ok {
		return []string{}, nil
	}

	active := map[string]bool{}
	for _, cal := range feed.calendars {
		if cal.Weekday&(1<<parsedDate.Weekday()) == 0 {
			continue
		}
		if cal.StartDate > date || cal.EndDate < date {
			continue
		}
		active[cal.ServiceID] = true
	}
	for _, cd := range feed.calendarDates {
		if cd.Date != date {
			continue
		}
		switch cd.ExceptionType {
		case 1:
			active[cd.ServiceID] = true
		case 2:
			delete(active, cd.ServiceID)
		}
	}

	services := []string{}
	for serviceID := range active {
		services = append(services, serviceID)
	}
	sort.Strings(services)

	return services, nil
}

func (s *MemoryStorage) Departures(ctx context.Context, q DepartureQuery) ([]model.DepartureRecord, error) {
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
	activeService := map[string]bool{}
	for _, svc := range services {
		activeService[svc] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	feed := s.data[q.FeedID]
	if feed == nil {
		return []model.DepartureRecord{}, nil
	}

	departures := []model.DepartureRecord{}
	for _, st := range feed.stopTimes {
		if st.StopID != q.StopID || st.Departure < q.FromTime {
			continue
		}
		trip := feed.trips[st.TripID]
		if trip == nil || !activeService[trip.ServiceID] {
			continue
		}
		if st.StopSequence >= feed.maxSeqByTrip[st.TripID] {
			// final stop, not boardable
			continue
		}

		dep := model.DepartureRecord{
			RouteID:       trip.RouteID,
			TripID:        st.TripID,
			StopID:        st.StopID,
			DirectionID:   trip.DirectionID,
			StopSequence:  st.StopSequence,
			ArrivalTime:   ClockTime(st.Arrival),
			DepartureTime: ClockTime(st.Departure),
		}
		if route := feed.routes[trip.RouteID]; route != nil {
			dep.RouteShortName = route.ShortName
			dep.RouteLongName = route.LongName
		}
		dep.Headsign = st.Headsign
		if dep.Headsign == "" {
			dep.Headsign = trip.Headsign
		}

		departures = append(departures, dep)
	}

	sort.SliceStable(departures, func(i, j int) bool {
		if departures[i].DepartureTime != departures[j].DepartureTime {
			return departures[i].DepartureTime < departures[j].DepartureTime
		}
		return departures[i].TripID < departures[j].TripID
	})

	if len(departures) > q.Limit {
		departures = departures[:q.Limit]
	}

	return departures, nil
}

type memoryFeedWriter struct {
	storage *MemoryStorage
	feedID  string
	feed    *memoryFeed
}

func (s *MemoryStorage) GetWriter(feedID string) (FeedWriter, error) {
	return &memoryFeedWriter{
		storage: s,
		feedID:  feedID,
		feed:    newMemoryFeed(),
	}, nil
}

func (w *memoryFeedWriter) WriteAgency(a *model.Agency) error {
	copied := *a
	w.feed.agencies = append(w.feed.agencies, &copied)
	return nil
}

func (w *memoryFeedWriter) WriteStop(stop *model.Stop) error {
	copied := *stop
	w.feed.stops[stop.ID] = &copied
	return nil
}

func (w *memoryFeedWriter) WriteRoute(route *model.Route) error {
	copied := *route
	w.feed.routes[route.ID] = &copied
	return nil
}

func (w *memoryFeedWriter) WriteTrip(trip *model.Trip) error {
	copied := *trip
	w.feed.trips[trip.ID] = &copied
	return nil
}

func (w *memoryFeedWriter) WriteCalendar(cal *model.Calendar) error {
	copied := *cal
	w.feed.calendars[cal.ServiceID] = &copied
	return nil
}

func (w *memoryFeedWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	copied := *cd
	w.feed.calendarDates = append(w.feed.calendarDates, &copied)
	return nil
}

func (w *memoryFeedWriter) BeginStopTimes() error {
	return nil
}

func (w *memoryFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	copied := *stopTime
	w.feed.stopTimes = append(w.feed.stopTimes, &copied)
	if copied.StopSequence > w.feed.maxSeqByTrip[copied.TripID] {
		w.feed.maxSeqByTrip[copied.TripID] = copied.StopSequence
	}
	return nil
}

func (w *memoryFeedWriter) EndStopTimes() error {
	return nil
}

func (w *memoryFeedWriter) Close() error {
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	w.storage.data[w.feedID] = w.feed
	return nil
}
