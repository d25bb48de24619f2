package transit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/citydash/transit/storage"
)

func TestDeparturesCacheKeyFormat(t *testing.T) {
	key := departuresCacheKey(storage.DepartureQuery{
		FeedID:      "FEED_1",
		StopID:      "STOP_123",
		ServiceDate: "20250928",
		FromTime:    "080000",
		Limit:       5,
	})

	assert.Equal(t,
		"schedule:next_departures:feed=FEED_1:stop=STOP_123:date=2025-09-28:time=080000:limit=5:v1",
		key)

	// Identical queries must produce identical keys.
	again := departuresCacheKey(storage.DepartureQuery{
		FeedID:      "FEED_1",
		StopID:      "STOP_123",
		ServiceDate: "20250928",
		FromTime:    "080000",
		Limit:       5,
	})
	assert.Equal(t, key, again)
}
