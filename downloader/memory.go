package downloader

import (
	"context"
	"sync"
	"time"
)

// Memory caches downloads in process memory, keyed by URL. The default
// for server use, where the realtime poll loop provides its own pacing.
type Memory struct {
	mu      sync.Mutex
	records map[string]memRecord

	TimeNow func() time.Time
}

type memRecord struct {
	body    []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: map[string]memRecord{},
		TimeNow: time.Now,
	}
}

func (m *Memory) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	if options.Cache {
		m.mu.Lock()
		defer m.mu.Unlock()

		if rec, ok := m.records[url]; ok && rec.expires.After(m.TimeNow()) {
			return rec.body, nil
		}
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, err
	}

	if options.Cache {
		m.records[url] = memRecord{
			body:    body,
			expires: m.TimeNow().Add(options.CacheTTL),
		}
	}

	return body, nil
}
