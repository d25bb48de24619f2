package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/citydash/transit/cache"
	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
)

// Departure results are cached for a fixed TTL. The key embeds every
// query parameter plus a version suffix, so identical queries always
// produce identical keys and a format change invalidates cleanly.
const DeparturesCacheTTL = 60 * time.Second

// CachedRepository is a read-through cache in front of another
// ScheduleRepository. Concurrent misses for the same key collapse into
// a single backend query. Failed queries are never cached, and a cache
// outage degrades to direct backend reads.
type CachedRepository struct {
	inner  ScheduleRepository
	cache  cache.Provider
	logger *zap.Logger

	// TTL for departure entries. Defaults to DeparturesCacheTTL.
	TTL time.Duration

	group singleflight.Group
}

func NewCachedRepository(inner ScheduleRepository, provider cache.Provider, logger *zap.Logger) *CachedRepository {
	return &CachedRepository{
		inner:  inner,
		cache:  provider,
		logger: logger,
		TTL:    DeparturesCacheTTL,
	}
}

func (r *CachedRepository) NextDepartures(ctx context.Context, q storage.DepartureQuery) ([]model.DepartureRecord, error) {
	key := departuresCacheKey(q)

	val, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		departures := []model.DepartureRecord{}
		if err := json.Unmarshal([]byte(val), &departures); err == nil {
			return departures, nil
		}
		r.logger.Warn("discarding corrupt cache entry", zap.String("key", key))
	}

	// The backend query is shared by every caller coalesced on this
	// key, so it must not die with the first caller's context.
	fetchCtx := context.WithoutCancel(ctx)

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		departures, err := r.inner.NextDepartures(fetchCtx, q)
		if err != nil {
			return nil, err
		}

		if buf, err := json.Marshal(departures); err == nil {
			if err := r.cache.Set(fetchCtx, key, string(buf), r.TTL); err != nil {
				r.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
			}
		}

		return departures, nil
	})
	if err != nil {
		return nil, err
	}

	// Coalesced callers all see the same slice, and results are
	// mutated downstream during realtime enrichment. Hand each caller
	// its own copy.
	shared := v.([]model.DepartureRecord)
	departures := make([]model.DepartureRecord, len(shared))
	copy(departures, shared)
	return departures, nil
}

func (r *CachedRepository) Feed(ctx context.Context, feedID string) (*storage.FeedInfo, error) {
	return r.inner.Feed(ctx, feedID)
}

func (r *CachedRepository) CurrentFeed(ctx context.Context) (*storage.FeedInfo, error) {
	return r.inner.CurrentFeed(ctx)
}

func departuresCacheKey(q storage.DepartureQuery) string {
	// ServiceDate is YYYYMMDD internally; keys use the dashed form.
	date := q.ServiceDate
	if len(date) == 8 {
		date = date[0:4] + "-" + date[4:6] + "-" + date[6:8]
	}

	return fmt.Sprintf(
		"schedule:next_departures:feed=%s:stop=%s:date=%s:time=%s:limit=%d:v1",
		q.FeedID, q.StopID, date, q.FromTime, q.Limit,
	)
}
