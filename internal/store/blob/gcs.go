package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSConfig configures the Cloud Storage store
type GCSConfig struct {
	Bucket        string
	Prefix        string
	PublicBaseURL string
}

// GCS stores objects in a Google Cloud Storage bucket
type GCS struct {
	client *storage.Client
	cfg    GCSConfig
}

// NewGCS creates the store using application default credentials
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCS{client: client, cfg: cfg}, nil
}

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.cfg.Bucket).Object(g.cfg.Prefix + key)
}

func (g *GCS) Put(ctx context.Context, key string, data []byte, opts PutOptions) (Object, error) {
	obj := g.object(key)
	if !opts.Overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	w.ContentType = opts.ContentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return Object{}, ErrExists
		}
		return Object{}, fmt.Errorf("gcs close failed: %w", err)
	}
	attrs := w.Attrs()
	return Object{Key: key, Size: attrs.Size, ContentType: attrs.ContentType, UpdatedAt: attrs.Updated}, nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, Object, error) {
	r, err := g.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, Object{}, ErrNotFound
		}
		return nil, Object{}, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Object{}, fmt.Errorf("gcs read failed for %s: %w", key, err)
	}
	return data, Object{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: r.Attrs.ContentType,
		UpdatedAt:   r.Attrs.LastModified,
	}, nil
}

func (g *GCS) Delete(ctx context.Context, keys ...string) (int, error) {
	n := 0
	for _, k := range keys {
		err := g.object(k).Delete(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("gcs delete failed for %s: %w", k, err)
		}
		n++
	}
	return n, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]Object, error) {
	out := []Object{}
	it := g.client.Bucket(g.cfg.Bucket).Objects(ctx, &storage.Query{Prefix: g.cfg.Prefix + prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		out = append(out, Object{
			Key:         attrs.Name[len(g.cfg.Prefix):],
			Size:        attrs.Size,
			ContentType: attrs.ContentType,
			UpdatedAt:   attrs.Updated,
		})
	}
	return out, nil
}

func (g *GCS) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	u, err := g.client.Bucket(g.cfg.Bucket).SignedURL(g.cfg.Prefix+key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(expires),
	})
	if err != nil {
		return "", fmt.Errorf("gcs sign failed: %w", err)
	}
	return u, nil
}

func (g *GCS) PublicURL(key string) (string, error) {
	if g.cfg.PublicBaseURL == "" {
		return "", ErrNoPublic
	}
	return joinURL(g.cfg.PublicBaseURL, g.cfg.Prefix+key), nil
}

// Close releases the client
func (g *GCS) Close() error {
	return g.client.Close()
}
