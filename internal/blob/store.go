// Package blob moves job artifacts between workers and the object tiers:
// a hot tier for active inputs and results, and a cold tier for archived
// results of free-tier users.
package blob

import (
	"context"
	"io"
)

// Store is the hot-tier object store.
type Store interface {
	// Download streams the object at bucket/key into dst.
	Download(ctx context.Context, bucket, key string, dst io.Writer) error
	// Upload stores src at bucket/key, overwriting any existing object.
	Upload(ctx context.Context, bucket, key string, src io.Reader) error
	// Delete removes the object. Deleting a missing object is not an
	// error; archival redelivery depends on that.
	Delete(ctx context.Context, bucket, key string) error
}

// Archiver copies an object into the cold tier and returns the cold-tier
// identifier. The hot copy is left in place; callers delete it once the
// archive id has been durably recorded.
type Archiver interface {
	Archive(ctx context.Context, bucket, key string) (string, error)
}
