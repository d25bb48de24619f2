// Package transit serves live public transit departures: static GTFS
// schedules from a pluggable storage backend, enriched with realtime
// feed data collected from upstream sources.
package transit

import (
	"context"

	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
)

// ScheduleRepository answers schedule queries. The plain implementation
// hits storage directly; CachedRepository wraps it with a read-through
// cache. Callers cannot tell the two apart, beyond latency.
type ScheduleRepository interface {
	NextDepartures(ctx context.Context, q storage.DepartureQuery) ([]model.DepartureRecord, error)
	Feed(ctx context.Context, feedID string) (*storage.FeedInfo, error)
	CurrentFeed(ctx context.Context) (*storage.FeedInfo, error)
}

// Repository is the storage-backed ScheduleRepository.
type Repository struct {
	store storage.Store
}

func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

func (r *Repository) NextDepartures(ctx context.Context, q storage.DepartureQuery) ([]model.DepartureRecord, error) {
	return r.store.Departures(ctx, q)
}

func (r *Repository) Feed(ctx context.Context, feedID string) (*storage.FeedInfo, error) {
	return r.store.Feed(ctx, feedID)
}

func (r *Repository) CurrentFeed(ctx context.Context) (*storage.FeedInfo, error) {
	return r.store.CurrentFeed(ctx)
}
