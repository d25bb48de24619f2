package transit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/citydash/transit/downloader"
	"github.com/citydash/transit/parse"
	"github.com/citydash/transit/storage"
)

const (
	DefaultStaticTimeout  = 60 * time.Second
	DefaultStaticMaxSize  = 800 << 20 // 800 MB
	DefaultStaticCacheTTL = 12 * time.Hour
)

// Loader imports static GTFS dumps into storage.
type Loader struct {
	StaticTimeout time.Duration
	StaticMaxSize int

	store  storage.Store
	dl     downloader.Downloader
	logger *zap.Logger

	TimeNow func() time.Time
}

func NewLoader(store storage.Store, dl downloader.Downloader, logger *zap.Logger) *Loader {
	return &Loader{
		StaticTimeout: DefaultStaticTimeout,
		StaticMaxSize: DefaultStaticMaxSize,
		store:         store,
		dl:            dl,
		logger:        logger,
		TimeNow:       time.Now,
	}
}

// LoadStaticFeed downloads a static dump, imports its records under
// feedID and records feed metadata. When markCurrent is set the feed
// becomes the default for queries that name no feed. Any prior import
// under the same ID is replaced.
func (l *Loader) LoadStaticFeed(
	ctx context.Context,
	feedID string,
	url string,
	headers map[string]string,
	markCurrent bool,
) (*storage.FeedInfo, error) {

	l.logger.Info("loading static feed",
		zap.String("feed", feedID),
		zap.String("url", url))

	body, err := l.dl.Get(ctx, url, headers, downloader.GetOptions{
		Timeout:  l.StaticTimeout,
		MaxSize:  l.StaticMaxSize,
		Cache:    true,
		CacheTTL: DefaultStaticCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading feed at %s: %w", url, err)
	}

	return l.ImportStatic(ctx, feedID, url, body, markCurrent)
}

// ImportStatic parses an already-downloaded dump and writes it to
// storage.
func (l *Loader) ImportStatic(
	ctx context.Context,
	feedID string,
	url string,
	body []byte,
	markCurrent bool,
) (*storage.FeedInfo, error) {

	writer, err := l.store.GetWriter(feedID)
	if err != nil {
		return nil, fmt.Errorf("getting writer: %w", err)
	}

	info, err := parse.ParseStatic(writer, body)
	if err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	info.ID = feedID
	info.URL = url
	info.RetrievedAt = l.TimeNow().UTC()
	info.IsCurrent = markCurrent

	err = l.store.WriteFeedInfo(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("writing feed info: %w", err)
	}

	l.logger.Info("static feed loaded",
		zap.String("feed", feedID),
		zap.String("timezone", info.Timezone),
		zap.String("calendar_start", info.CalendarStartDate),
		zap.String("calendar_end", info.CalendarEndDate))

	return info, nil
}
