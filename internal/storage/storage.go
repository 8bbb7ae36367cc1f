package storage

import (
	"context"
	"io"
	"time"
)

type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}

// Signer issues short-lived download links for stored objects. Recordings are
// never publicly readable.
type Signer interface {
	SignedGetURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}
