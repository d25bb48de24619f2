package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Filesystem caches downloads in a JSON file on disk, keyed by URL.
// Useful for CLI work, where repeated runs should not re-download a
// large static dump.
type Filesystem struct {
	path string

	mu      sync.Mutex
	records map[string]fsRecord

	TimeNow func() time.Time
}

// Body round-trips through base64 via encoding/json.
type fsRecord struct {
	Body    []byte    `json:"body"`
	Expires time.Time `json:"expires"`
}

func NewFilesystem(path string) (*Filesystem, error) {
	f := &Filesystem{
		path:    path,
		records: map[string]fsRecord{},
		TimeNow: time.Now,
	}

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(buf, &f.records); err != nil {
		return nil, fmt.Errorf("unmarshaling %s: %w", path, err)
	}

	return f, nil
}

func (f *Filesystem) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if options.Cache {
		if rec, ok := f.records[url]; ok && rec.Expires.After(f.TimeNow()) {
			return rec.Body, nil
		}
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, err
	}

	if options.Cache {
		f.records[url] = fsRecord{
			Body:    body,
			Expires: f.TimeNow().Add(options.CacheTTL),
		}
		if err := f.save(); err != nil {
			return nil, err
		}
	}

	return body, nil
}

// save writes through a temp file so an interrupted run never leaves a
// truncated cache behind.
func (f *Filesystem) save() error {
	buf, err := json.Marshal(f.records)
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing cache: %w", err)
	}

	return nil
}
