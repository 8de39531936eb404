package watermark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/nivoda/diamond-ingest/internal/models"
	"google.golang.org/api/option"
)

// GCSStore is the production Store, one bucket holding every feed's
// watermarks/{feed}.json object. The client is built lazily on first use
// and guarded by a mutex.
type GCSStore struct {
	bucket string

	mu     sync.Mutex
	client *storage.Client
}

// NewGCSStore constructs a store bound to bucket; the client connects on
// first Get/Put rather than at construction so a process can start up
// before application-default credentials are available.
func NewGCSStore(bucket string) *GCSStore {
	return &GCSStore{bucket: bucket}
}

func (s *GCSStore) ensureClient(ctx context.Context) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	if err != nil {
		return nil, fmt.Errorf("watermark: building storage client: %w", err)
	}
	s.client = c
	return s.client, nil
}

// Get reads watermarks/{feed}.json. Returns ErrNotFound if the object
// doesn't exist yet, the normal state for a feed's first-ever run.
func (s *GCSStore) Get(ctx context.Context, feed string) (models.Watermark, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return models.Watermark{}, err
	}

	r, err := client.Bucket(s.bucket).Object(objectName(feed)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return models.Watermark{}, ErrNotFound
		}
		return models.Watermark{}, fmt.Errorf("watermark: read %s: %w", objectName(feed), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return models.Watermark{}, fmt.Errorf("watermark: read %s: %w", objectName(feed), err)
	}
	return unmarshal(data)
}

// Put overwrites watermarks/{feed}.json wholesale. The Consolidator is the
// sole writer per feed, so no compare-and-swap is needed on the object.
func (s *GCSStore) Put(ctx context.Context, feed string, wm models.Watermark) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}

	data, err := marshal(wm)
	if err != nil {
		return err
	}

	w := client.Bucket(s.bucket).Object(objectName(feed)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("watermark: write %s: %w", objectName(feed), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("watermark: close writer for %s: %w", objectName(feed), err)
	}
	return nil
}
