package storage

import (
	"context"
	"io"
	"time"
)

// Store is the object storage surface used for export parts and archives
type Store interface {
	// Put writes an object, reading the body to completion
	Put(ctx context.Context, key string, contentType string, body io.Reader) error

	// Get returns an object's contents, which the caller must close
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object exists and when it was last written
	Exists(ctx context.Context, key string) (bool, time.Time, error)

	// List returns all keys under the given prefix, in lexicographic order
	List(ctx context.Context, prefix string) ([]string, error)

	// PresignGet generates a time limited URL from which the object can be fetched
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
