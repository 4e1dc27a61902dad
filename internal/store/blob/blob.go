// Package blob holds the object stores behind STORAGE_* operations.
package blob

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrExists   = errors.New("object already exists")
	ErrNoPublic = errors.New("bucket is not public")
)

// Object describes one stored blob
type Object struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PutOptions controls an upload
type PutOptions struct {
	ContentType string
	Overwrite   bool
}

// Store is a bucket-oriented object store
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (Object, error)
	Get(ctx context.Context, key string) ([]byte, Object, error)
	// Delete removes every key that exists and reports how many were removed
	Delete(ctx context.Context, keys ...string) (int, error)
	// List returns every object under prefix, unordered
	List(ctx context.Context, prefix string) ([]Object, error)
	SignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
	// PublicURL returns ErrNoPublic when the bucket is private
	PublicURL(key string) (string, error)
}

// Sort keys accepted by SortObjects
const (
	SortByName    = "name"
	SortBySize    = "size"
	SortByUpdated = "updatedAt"
)

// SortObjects orders a listing in place. Unknown keys sort by name.
func SortObjects(objs []Object, by string, desc bool) {
	less := func(a, b Object) bool { return a.Key < b.Key }
	switch by {
	case SortBySize:
		less = func(a, b Object) bool {
			if a.Size == b.Size {
				return a.Key < b.Key
			}
			return a.Size < b.Size
		}
	case SortByUpdated:
		less = func(a, b Object) bool {
			if a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.Key < b.Key
			}
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
	}
	sort.SliceStable(objs, func(i, j int) bool {
		if desc {
			return less(objs[j], objs[i])
		}
		return less(objs[i], objs[j])
	})
}

// Page slices a sorted listing
func Page(objs []Object, offset, limit int) []Object {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(objs) {
		return []Object{}
	}
	objs = objs[offset:]
	if limit > 0 && limit < len(objs) {
		objs = objs[:limit]
	}
	return objs
}

// TotalSize sums the sizes of a listing
func TotalSize(objs []Object) int64 {
	var n int64
	for _, o := range objs {
		n += o.Size
	}
	return n
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
