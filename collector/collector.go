// Package collector polls upstream GTFS Realtime sources and publishes
// versioned snapshots. Each source runs in its own goroutine with an
// isolated timeout, so one slow upstream never stalls the others.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citydash/transit/downloader"
	"github.com/citydash/transit/model"
	"github.com/citydash/transit/parse"
)

const (
	// A source is degraded after this many consecutive failures, and
	// then polled at a multiple of its normal interval until a fetch
	// succeeds. Both knobs default here and can be overridden on the
	// Collector.
	defaultDegradedAfter          = 3
	defaultDegradedIntervalFactor = 4

	initialBackoff = time.Second
)

// One upstream realtime feed to poll.
type Source struct {
	ID           string
	URL          string
	Kind         model.FeedKind
	Headers      map[string]string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Health of one source, for the status endpoint.
type SourceHealth struct {
	SourceID            string    `json:"source_id"`
	Kind                string    `json:"kind"`
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	Seq                 uint64    `json:"seq"`
}

type sourceState struct {
	seq      uint64
	failures int
	degraded bool

	lastSuccess time.Time
	lastError   string
}

// Collector polls a set of sources and hands each accepted snapshot to
// the sink. Failed polls never reach the sink; the previous snapshot
// stays current until a fetch succeeds.
type Collector struct {
	dl      downloader.Downloader
	store   *SnapshotStore
	sink    func(*model.FeedSnapshot)
	logger  *zap.Logger
	sources []Source

	mu    sync.Mutex
	state map[string]*sourceState

	// Tunables, set before Run.
	DegradedAfter          int
	DegradedIntervalFactor int

	TimeNow func() time.Time
}

func NewCollector(
	dl downloader.Downloader,
	store *SnapshotStore,
	sink func(*model.FeedSnapshot),
	logger *zap.Logger,
	sources []Source,
) *Collector {
	state := map[string]*sourceState{}
	for _, src := range sources {
		state[src.ID] = &sourceState{}
	}

	return &Collector{
		dl:      dl,
		store:   store,
		sink:    sink,
		logger:  logger,
		sources: sources,
		state:   state,

		DegradedAfter:          defaultDegradedAfter,
		DegradedIntervalFactor: defaultDegradedIntervalFactor,

		TimeNow: time.Now,
	}
}

// Run polls all sources until the context is canceled.
func (c *Collector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		src := src
		g.Go(func() error {
			c.pollLoop(ctx, src)
			return nil
		})
	}
	return g.Wait()
}

func (c *Collector) pollLoop(ctx context.Context, src Source) {
	logger := c.logger.With(
		zap.String("source", src.ID),
		zap.String("kind", string(src.Kind)),
	)

	backoff := initialBackoff
	for {
		err := c.PollOnce(ctx, src)

		failed := err != nil
		degraded := false
		if failed {
			if ctx.Err() != nil {
				return
			}
			degraded = c.recordFailure(src.ID, err)
			logger.Warn("poll failed",
				zap.Error(err),
				zap.Bool("degraded", degraded))
		} else if c.recordSuccess(src.ID) {
			logger.Info("source recovered")
		}

		var wait time.Duration
		wait, backoff = c.nextWait(src, backoff, failed, degraded)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// nextWait decides how long to sleep before the next poll. Failures
// back off exponentially, capped at the poll interval. A degraded
// source drops to a much slower cadence instead, and a success resets
// both the cadence and the backoff.
func (c *Collector) nextWait(src Source, backoff time.Duration, failed, degraded bool) (wait, nextBackoff time.Duration) {
	if !failed {
		return src.PollInterval, initialBackoff
	}
	if degraded {
		return src.PollInterval * time.Duration(c.DegradedIntervalFactor), backoff
	}
	nextBackoff = backoff * 2
	if nextBackoff > src.PollInterval {
		nextBackoff = src.PollInterval
	}
	return backoff, nextBackoff
}

// PollOnce fetches and publishes a single snapshot for a source.
func (c *Collector) PollOnce(ctx context.Context, src Source) error {
	fetchCtx := ctx
	if src.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, src.Timeout)
		defer cancel()
	}

	payload, err := c.dl.Get(fetchCtx, src.URL, src.Headers, downloader.GetOptions{
		Timeout: src.Timeout,
	})
	if err != nil {
		return fmt.Errorf("fetching %s: %w", src.URL, err)
	}

	entities, _, err := parse.ParseRealtime(src.Kind, payload)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", src.URL, err)
	}

	snap := &model.FeedSnapshot{
		SourceID:  src.ID,
		Kind:      src.Kind,
		FetchedAt: c.TimeNow(),
		Seq:       c.nextSeq(src.ID),
		Entities:  entities,
	}
	for i := range snap.Entities {
		snap.Entities[i].Seq = snap.Seq
	}

	if _, installed := c.store.Put(snap); !installed {
		return nil
	}
	if c.sink != nil {
		c.sink(snap)
	}

	return nil
}

func (c *Collector) nextSeq(sourceID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state[sourceID]
	st.seq++
	return st.seq
}

// Returns true once the source crosses into degraded.
func (c *Collector) recordFailure(sourceID string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state[sourceID]
	st.failures++
	st.lastError = err.Error()
	if st.failures >= c.DegradedAfter && !st.degraded {
		st.degraded = true
	}
	return st.degraded
}

// Returns true if the source was degraded and has now recovered.
func (c *Collector) recordSuccess(sourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state[sourceID]
	recovered := st.degraded
	st.failures = 0
	st.degraded = false
	st.lastSuccess = c.TimeNow()
	st.lastError = ""
	return recovered
}

// Health reports per-source poll state.
func (c *Collector) Health() []SourceHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	health := make([]SourceHealth, 0, len(c.sources))
	for _, src := range c.sources {
		st := c.state[src.ID]
		health = append(health, SourceHealth{
			SourceID:            src.ID,
			Kind:                string(src.Kind),
			Degraded:            st.degraded,
			ConsecutiveFailures: st.failures,
			LastSuccess:         st.lastSuccess,
			LastError:           st.lastError,
			Seq:                 st.seq,
		})
	}
	return health
}
