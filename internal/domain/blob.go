package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader inspects stored objects. Stat returns ErrNotFound for a
// missing path.
type BlobReader interface {
	Stat(ctx context.Context, path string) (BlobInfo, error)
}

// Archiver copies settled history to cold storage. Source rows are kept.
type Archiver interface {
	ArchiveJobs(ctx context.Context, before time.Time) (int64, error)
	ArchiveRebalances(ctx context.Context, before time.Time) (int64, error)
}
