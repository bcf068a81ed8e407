package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one archive object.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// BlobWriter uploads archive objects. PutMultipart is for payloads too big
// for one request.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader lists and opens archive objects. Get returns ErrNotFound for a
// missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver copies finished bars closed before a cutoff to cold storage and
// reports how many it wrote. It never deletes the source rows.
type Archiver interface {
	ArchiveBars(ctx context.Context, before time.Time) (int64, error)
}
