package transit

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/citydash/transit/collector"
	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
)

const (
	DefaultDepartureLimit = 10
	MaxDepartureLimit     = 100
)

// A request the caller got wrong. The API maps it to 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DeparturesRequest uses wire formats (dashed dates, colon times);
// blank date and time default to "now" in the feed's timezone, and a
// blank feed ID selects the current feed.
type DeparturesRequest struct {
	FeedID string
	StopID string
	Date   string // YYYY-MM-DD
	Time   string // HH:MM or HH:MM:SS
	Limit  int
}

type DeparturesResponse struct {
	FeedID     string                  `json:"feed_id"`
	StopID     string                  `json:"stop_id"`
	Date       string                  `json:"date"`
	Time       string                  `json:"time"`
	Departures []model.DepartureRecord `json:"departures"`
}

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?$`)
)

// QueryService validates departure requests, resolves defaults against
// feed metadata, reads the schedule through a repository and enriches
// results with realtime delays.
type QueryService struct {
	repo      ScheduleRepository
	snapshots *collector.SnapshotStore
	logger    *zap.Logger

	// MaxLimit caps the per-request result limit.
	MaxLimit int
	TimeNow  func() time.Time
}

func NewQueryService(repo ScheduleRepository, snapshots *collector.SnapshotStore, logger *zap.Logger) *QueryService {
	return &QueryService{
		repo:      repo,
		snapshots: snapshots,
		logger:    logger,
		MaxLimit:  MaxDepartureLimit,
		TimeNow:   time.Now,
	}
}

func (s *QueryService) Departures(ctx context.Context, req DeparturesRequest) (*DeparturesResponse, error) {
	if req.StopID == "" {
		return nil, &ValidationError{Field: "stop_id", Reason: "required"}
	}

	limit := req.Limit
	if limit == 0 {
		limit = DefaultDepartureLimit
	}
	if limit < 1 || limit > s.MaxLimit {
		return nil, &ValidationError{
			Field:  "limit",
			Reason: fmt.Sprintf("must be between 1 and %d", s.MaxLimit),
		}
	}

	if req.Date != "" && !dateRe.MatchString(req.Date) {
		return nil, &ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"}
	}
	if req.Time != "" && !timeRe.MatchString(req.Time) {
		return nil, &ValidationError{Field: "time", Reason: "expected HH:MM or HH:MM:SS"}
	}

	// Resolve the feed. Blank means "the current feed".
	var feed *storage.FeedInfo
	var err error
	if req.FeedID == "" {
		feed, err = s.repo.CurrentFeed(ctx)
	} else {
		feed, err = s.repo.Feed(ctx, req.FeedID)
	}
	if err != nil {
		return nil, err
	}

	date, fromTime, err := s.resolveWhen(req, feed)
	if err != nil {
		return nil, err
	}

	departures, err := s.repo.NextDepartures(ctx, storage.DepartureQuery{
		FeedID:      feed.ID,
		StopID:      req.StopID,
		ServiceDate: strings.ReplaceAll(date, "-", ""),
		FromTime:    strings.ReplaceAll(fromTime, ":", ""),
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}

	s.enrich(departures)

	return &DeparturesResponse{
		FeedID:     feed.ID,
		StopID:     req.StopID,
		Date:       date,
		Time:       fromTime,
		Departures: departures,
	}, nil
}

// resolveWhen fills in blank date and time with "now" in the feed's
// timezone, and verifies explicit values actually parse.
func (s *QueryService) resolveWhen(req DeparturesRequest, feed *storage.FeedInfo) (string, string, error) {
	loc, err := time.LoadLocation(feed.Timezone)
	if err != nil {
		// A feed with a broken timezone made it through import.
		s.logger.Error("invalid feed timezone",
			zap.String("feed", feed.ID),
			zap.String("timezone", feed.Timezone))
		loc = time.UTC
	}
	now := s.TimeNow().In(loc)

	date := req.Date
	if date == "" {
		date = now.Format("2006-01-02")
	} else if _, err := time.ParseInLocation("2006-01-02", date, loc); err != nil {
		return "", "", &ValidationError{Field: "date", Reason: "not a real date"}
	}

	fromTime := req.Time
	if fromTime == "" {
		fromTime = now.Format("15:04:05")
	} else {
		if len(fromTime) == len("15:04") {
			fromTime += ":00"
		}
		if _, err := time.Parse("15:04:05", fromTime); err != nil {
			return "", "", &ValidationError{Field: "time", Reason: "not a real time"}
		}
	}

	return date, fromTime, nil
}

// enrich attaches realtime delays where a trip update covers a
// departure. Schedule data always comes back; missing realtime data
// just means no delay field.
func (s *QueryService) enrich(departures []model.DepartureRecord) {
	if s.snapshots == nil {
		return
	}
	for i := range departures {
		dep := &departures[i]
		delay, ok := s.snapshots.TripDelay(dep.TripID, dep.StopID, dep.StopSequence)
		if !ok {
			continue
		}
		seconds := int64(delay / time.Second)
		dep.RealtimeDelaySeconds = &seconds
	}
}
