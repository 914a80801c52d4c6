package download

import (
	"context"
	"io"
	"time"
)

// Transport retrieves the bytes behind a locator.
type Transport interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, locator string) ([]byte, error)

// Fetch calls f.
func (f TransportFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

// BlobStore writes page artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Exister is implemented by sinks that can tell whether a destination was
// already written by an earlier run.
type Exister interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
