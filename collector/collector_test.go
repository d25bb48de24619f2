package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	proto "google.golang.org/protobuf/proto"

	"github.com/citydash/transit/downloader"
	"github.com/citydash/transit/model"
)

type funcDownloader func(ctx context.Context, url string) ([]byte, error)

func (f funcDownloader) Get(ctx context.Context, url string, headers map[string]string, options downloader.GetOptions) ([]byte, error) {
	return f(ctx, url)
}

func tripUpdateFeed(t *testing.T, tripID string, delaySeconds int32) []byte {
	msg := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsproto.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(1727500000),
		},
		Entity: []*gtfsproto.FeedEntity{
			{
				Id: proto.String("e-" + tripID),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{
						TripId:  proto.String(tripID),
						RouteId: proto.String("R1"),
					},
					StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
						{
							StopId:       proto.String("S1"),
							StopSequence: proto.Uint32(1),
							Departure: &gtfsproto.TripUpdate_StopTimeEvent{
								Delay: proto.Int32(delaySeconds),
							},
						},
					},
				},
			},
		},
	}

	buf, err := proto.Marshal(msg)
	require.NoError(t, err)
	return buf
}

func testSource() Source {
	return Source{
		ID:           "src-tu",
		URL:          "http://feeds.example/tu.pb",
		Kind:         model.FeedKindTripUpdates,
		PollInterval: 30 * time.Second,
		Timeout:      10 * time.Second,
	}
}

func TestPollOnceAssignsMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	store := NewSnapshotStore()

	published := []*model.FeedSnapshot{}
	dl := funcDownloader(func(ctx context.Context, url string) ([]byte, error) {
		return tripUpdateFeed(t, "T1", 60), nil
	})
	c := NewCollector(dl, store, func(s *model.FeedSnapshot) {
		published = append(published, s)
	}, zap.NewNop(), []Source{testSource()})

	for i := 0; i < 3; i++ {
		require.NoError(t, c.PollOnce(ctx, testSource()))
	}

	require.Len(t, published, 3)
	assert.Equal(t, uint64(1), published[0].Seq)
	assert.Equal(t, uint64(2), published[1].Seq)
	assert.Equal(t, uint64(3), published[2].Seq)

	latest := store.Latest("src-tu")
	require.NotNil(t, latest)
	assert.Equal(t, uint64(3), latest.Seq)

	// Entities carry the snapshot's sequence number.
	require.Len(t, latest.Entities, 1)
	assert.Equal(t, uint64(3), latest.Entities[0].Seq)
	assert.Equal(t, "T1", latest.Entities[0].TripID)
}

func TestPollOnceFailureDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	store := NewSnapshotStore()

	published := 0
	dl := funcDownloader(func(ctx context.Context, url string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})
	c := NewCollector(dl, store, func(*model.FeedSnapshot) {
		published++
	}, zap.NewNop(), []Source{testSource()})

	err := c.PollOnce(ctx, testSource())
	assert.Error(t, err)
	assert.Zero(t, published)
	assert.Nil(t, store.Latest("src-tu"))
}

func TestDegradedAfterConsecutiveFailures(t *testing.T) {
	c := NewCollector(nil, NewSnapshotStore(), nil, zap.NewNop(), []Source{testSource()})

	err := errors.New("timeout")
	assert.False(t, c.recordFailure("src-tu", err))
	assert.False(t, c.recordFailure("src-tu", err))
	assert.True(t, c.recordFailure("src-tu", err))

	health := c.Health()
	require.Len(t, health, 1)
	assert.True(t, health[0].Degraded)
	assert.Equal(t, 3, health[0].ConsecutiveFailures)
	assert.Equal(t, "timeout", health[0].LastError)

	// One success clears the slate.
	assert.True(t, c.recordSuccess("src-tu"))
	health = c.Health()
	assert.False(t, health[0].Degraded)
	assert.Zero(t, health[0].ConsecutiveFailures)
	assert.Empty(t, health[0].LastError)

	// A success when not degraded is not a recovery.
	assert.False(t, c.recordSuccess("src-tu"))
}

func TestNextWait(t *testing.T) {
	c := NewCollector(nil, NewSnapshotStore(), nil, zap.NewNop(), []Source{testSource()})
	src := testSource() // polls every 30s

	// Success: regular cadence, backoff reset.
	wait, backoff := c.nextWait(src, 8*time.Second, false, false)
	assert.Equal(t, 30*time.Second, wait)
	assert.Equal(t, time.Second, backoff)

	// Failures: exponential backoff, capped at the poll interval.
	wait, backoff = c.nextWait(src, time.Second, true, false)
	assert.Equal(t, time.Second, wait)
	assert.Equal(t, 2*time.Second, backoff)

	wait, backoff = c.nextWait(src, 16*time.Second, true, false)
	assert.Equal(t, 16*time.Second, wait)
	assert.Equal(t, 30*time.Second, backoff)

	wait, backoff = c.nextWait(src, 30*time.Second, true, false)
	assert.Equal(t, 30*time.Second, wait)
	assert.Equal(t, 30*time.Second, backoff)

	// Degraded: a much slower cadence, a multiple of the interval.
	wait, _ = c.nextWait(src, time.Second, true, true)
	assert.Equal(t, 2*time.Minute, wait)

	c.DegradedIntervalFactor = 10
	wait, _ = c.nextWait(src, time.Second, true, true)
	assert.Equal(t, 5*time.Minute, wait)
}

func TestDegradedThresholdConfigurable(t *testing.T) {
	c := NewCollector(nil, NewSnapshotStore(), nil, zap.NewNop(), []Source{testSource()})
	c.DegradedAfter = 1

	assert.True(t, c.recordFailure("src-tu", errors.New("timeout")))
}

func TestSnapshotStoreLastWriterWins(t *testing.T) {
	store := NewSnapshotStore()

	snap := func(seq uint64) *model.FeedSnapshot {
		return &model.FeedSnapshot{SourceID: "src", Kind: model.FeedKindTripUpdates, Seq: seq}
	}

	for _, seq := range []uint64{1, 2, 4} {
		_, installed := store.Put(snap(seq))
		assert.True(t, installed)
	}

	// Arrives late, superseded by 4: dropped.
	prev, installed := store.Put(snap(3))
	assert.False(t, installed)
	assert.Equal(t, uint64(4), prev.Seq)
	assert.Equal(t, uint64(4), store.Latest("src").Seq)
}

func TestSnapshotStoreTripDelay(t *testing.T) {
	store := NewSnapshotStore()
	store.Put(&model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindTripUpdates,
		Seq:      1,
		Entities: []model.FeedEntity{
			{
				ID:     "T1",
				Kind:   model.FeedKindTripUpdates,
				TripID: "T1",
				TripUpdate: &model.TripUpdatePayload{
					StopTimeUpdates: []model.StopTimeUpdate{
						{StopID: "S1", StopSequence: 1, DepartureDelay: time.Minute},
						{StopID: "S5", StopSequence: 5, DepartureDelay: 3 * time.Minute},
					},
				},
			},
		},
	})

	// Exact match.
	delay, ok := store.TripDelay("T1", "S1", 1)
	require.True(t, ok)
	assert.Equal(t, time.Minute, delay)

	// A stop between updates inherits the earlier delay.
	delay, ok = store.TripDelay("T1", "S3", 3)
	require.True(t, ok)
	assert.Equal(t, time.Minute, delay)

	// At and beyond the later update, it takes over.
	delay, ok = store.TripDelay("T1", "S5", 5)
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, delay)

	// Unknown trip: no delay.
	_, ok = store.TripDelay("T9", "S1", 1)
	assert.False(t, ok)
}

func TestSnapshotStoreTripDelayWithoutSequences(t *testing.T) {
	// Some feeds identify stops by stop_id alone. Those updates apply
	// only to their own stop; their position along the trip is unknown.
	store := NewSnapshotStore()
	store.Put(&model.FeedSnapshot{
		SourceID: "src",
		Kind:     model.FeedKindTripUpdates,
		Seq:      1,
		Entities: []model.FeedEntity{
			{
				ID:     "T1",
				Kind:   model.FeedKindTripUpdates,
				TripID: "T1",
				TripUpdate: &model.TripUpdatePayload{
					StopTimeUpdates: []model.StopTimeUpdate{
						{StopID: "S9", DepartureDelay: 5 * time.Minute},
					},
				},
			},
		},
	})

	// An earlier stop must not pick up the delay of an unrelated one.
	_, ok := store.TripDelay("T1", "S1", 1)
	assert.False(t, ok)

	delay, ok := store.TripDelay("T1", "S9", 9)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, delay)
}
