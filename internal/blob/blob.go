// Package blob stores capture artifacts (page images, widget crops, audit
// JSON) under a bucket/key scheme shared by every storage backend.
package blob

import "context"

// Object describes a stored blob.
type Object struct {
	Key string
	URL string
}

// Store is the artifact storage contract. Implementations must be safe for
// use by a single capture session at a time; keys are written at most once
// per session so overwrite semantics are put-wins.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}
