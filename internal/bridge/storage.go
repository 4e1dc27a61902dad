package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type uploadParams struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
	Overwrite   bool   `json:"overwrite,omitempty"`
}

type pathParams struct {
	Path  string   `json:"path"`
	Paths []string `json:"paths,omitempty"`
}

type listParams struct {
	Prefix  string `json:"prefix,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	SortBy  string `json:"sortBy,omitempty"`
	Order   string `json:"order,omitempty"`
}

type urlParams struct {
	Path      string `json:"path"`
	ExpiresIn int    `json:"expiresIn,omitempty"`
	Public    bool   `json:"public,omitempty"`
}

// FileInfo is a stored object as the module sees it
type FileInfo struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StoragePrefix is the blob namespace of one (module, site) pair
func StoragePrefix(scope store.Scope) string {
	return "modules/" + scope.ModuleID + "/" + scope.SiteID + "/"
}

// cleanObjectPath validates a module-supplied path and returns it relative
// to the scope's namespace
func cleanObjectPath(p string) (string, bool) {
	if p == "" || strings.Contains(p, "\\") || strings.HasPrefix(p, "/") {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

func toFileInfo(prefix string, obj blob.Object) FileInfo {
	return FileInfo{
		Path:        strings.TrimPrefix(obj.Key, prefix),
		Size:        obj.Size,
		ContentType: obj.ContentType,
		UpdatedAt:   obj.UpdatedAt,
	}
}

func (b *Bridge) storageUpload(ctx context.Context, req request) protocol.Response {
	var p uploadParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	rel, ok := cleanObjectPath(p.Path)
	if !ok {
		return invalid("invalid path %q", p.Path)
	}
	data, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return invalid("content must be base64: %v", err)
	}
	size := int64(len(data))
	if size > b.opts.MaxUploadBytes {
		return invalid("file is %d bytes, limit is %d", size, b.opts.MaxUploadBytes)
	}

	quota, err := b.deps.Quotas.Reserve(ctx, req.scope, size)
	if errors.Is(err, store.ErrQuotaExceeded) {
		return protocol.Fail(protocol.CodeQuotaExceeded, "storage quota exceeded").WithDetails(map[string]any{
			"usedBytes":      quota.UsedSizeBytes,
			"maxBytes":       quota.MaxSizeBytes,
			"requestedBytes": size,
		})
	}
	if err != nil {
		return b.backendFailure(req, protocol.CodeStorageError, "quota reservation", err)
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	prefix := StoragePrefix(req.scope)
	obj, err := b.deps.Blobs.Put(ctx, prefix+rel, data, blob.PutOptions{
		ContentType: contentType,
		Overwrite:   p.Overwrite,
	})
	if err != nil {
		if relErr := b.deps.Quotas.Release(context.WithoutCancel(ctx), req.scope, size); relErr != nil {
			b.log.Warn("Failed to release quota reservation", zap.String("scope", req.scope.String()), zap.Error(relErr))
		}
		if errors.Is(err, blob.ErrExists) {
			return protocol.Failf(protocol.CodeConflict, "%s already exists", rel)
		}
		return b.backendFailure(req, protocol.CodeStorageError, "upload", err)
	}

	b.reconcileAsync(req.scope)
	return protocol.OK(map[string]any{"file": toFileInfo(prefix, obj)})
}

func (b *Bridge) storageDownload(ctx context.Context, req request) protocol.Response {
	var p pathParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	rel, ok := cleanObjectPath(p.Path)
	if !ok {
		return invalid("invalid path %q", p.Path)
	}
	prefix := StoragePrefix(req.scope)
	data, obj, err := b.deps.Blobs.Get(ctx, prefix+rel)
	if errors.Is(err, blob.ErrNotFound) {
		return protocol.Failf(protocol.CodeNotFound, "%s not found", rel)
	}
	if err != nil {
		return b.backendFailure(req, protocol.CodeStorageError, "download", err)
	}
	return protocol.OK(map[string]any{
		"file":    toFileInfo(prefix, obj),
		"content": base64.StdEncoding.EncodeToString(data),
	})
}

func (b *Bridge) storageDelete(ctx context.Context, req request) protocol.Response {
	var p pathParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	paths := p.Paths
	if p.Path != "" {
		paths = append([]string{p.Path}, paths...)
	}
	if len(paths) == 0 {
		return invalid("path or paths required")
	}
	prefix := StoragePrefix(req.scope)
	keys := make([]string, 0, len(paths))
	for _, raw := range paths {
		rel, ok := cleanObjectPath(raw)
		if !ok {
			return invalid("invalid path %q", raw)
		}
		keys = append(keys, prefix+rel)
	}

	deleted, err := b.deps.Blobs.Delete(ctx, keys...)
	if err != nil {
		return b.backendFailure(req, protocol.CodeStorageError, "delete", err)
	}
	if deleted > 0 {
		b.reconcileAsync(req.scope)
	}
	return protocol.OK(map[string]any{"deleted": deleted})
}

func (b *Bridge) storageList(ctx context.Context, req request) protocol.Response {
	var p listParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if p.Pattern != "" && !doublestar.ValidatePattern(p.Pattern) {
		return invalid("invalid pattern %q", p.Pattern)
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	if p.Limit > maxListLimit {
		p.Limit = maxListLimit
	}
	if p.Offset < 0 {
		return invalid("offset must not be negative")
	}
	prefix := StoragePrefix(req.scope)
	if p.Prefix != "" {
		if strings.Contains(p.Prefix, "..") || strings.HasPrefix(p.Prefix, "/") {
			return invalid("invalid prefix %q", p.Prefix)
		}
	}

	objs, err := b.deps.Blobs.List(ctx, prefix+p.Prefix)
	if err != nil {
		return b.backendFailure(req, protocol.CodeStorageError, "list", err)
	}
	if p.Pattern != "" {
		matched := objs[:0]
		for _, obj := range objs {
			if ok, _ := doublestar.Match(p.Pattern, strings.TrimPrefix(obj.Key, prefix)); ok {
				matched = append(matched, obj)
			}
		}
		objs = matched
	}
	blob.SortObjects(objs, p.SortBy, strings.EqualFold(p.Order, "desc"))

	total := len(objs)
	files := make([]FileInfo, 0, p.Limit)
	for _, obj := range blob.Page(objs, p.Offset, p.Limit) {
		files = append(files, toFileInfo(prefix, obj))
	}
	return protocol.OK(map[string]any{"files": files, "total": total})
}

func (b *Bridge) storageGetURL(ctx context.Context, req request) protocol.Response {
	var p urlParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	rel, ok := cleanObjectPath(p.Path)
	if !ok {
		return invalid("invalid path %q", p.Path)
	}
	key := StoragePrefix(req.scope) + rel

	if p.Public {
		url, err := b.deps.Blobs.PublicURL(key)
		if errors.Is(err, blob.ErrNoPublic) {
			return invalid("storage is not public")
		}
		if err != nil {
			return b.backendFailure(req, protocol.CodeStorageError, "public url", err)
		}
		return protocol.OK(map[string]any{"url": url})
	}

	expires := b.opts.DefaultURLExpiry
	if p.ExpiresIn > 0 {
		expires = time.Duration(p.ExpiresIn) * time.Second
	}
	if expires > b.opts.MaxURLExpiry {
		expires = b.opts.MaxURLExpiry
	}
	url, err := b.deps.Blobs.SignedURL(ctx, key, expires)
	if errors.Is(err, blob.ErrNotFound) {
		return protocol.Failf(protocol.CodeNotFound, "%s not found", rel)
	}
	if err != nil {
		return b.backendFailure(req, protocol.CodeStorageError, "signed url", err)
	}
	return protocol.OK(map[string]any{
		"url":       url,
		"expiresAt": time.Now().Add(expires).UTC(),
	})
}

// reconcileAsync recomputes the scope's usage from the blob listing. Usage
// is eventually consistent; the atomic Reserve is what enforces the limit.
func (b *Bridge) reconcileAsync(scope store.Scope) {
	b.background.Add(1)
	go func() {
		defer b.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.ReconcileTimeout)
		defer cancel()
		if err := b.ReconcileUsage(ctx, scope); err != nil {
			b.log.Warn("Usage reconcile failed", zap.String("scope", scope.String()), zap.Error(err))
		}
	}()
}

// ReconcileUsage overwrites the scope's quota usage with the size of what
// is actually stored
func (b *Bridge) ReconcileUsage(ctx context.Context, scope store.Scope) error {
	objs, err := b.deps.Blobs.List(ctx, StoragePrefix(scope))
	if err != nil {
		return err
	}
	return b.deps.Quotas.Reconcile(ctx, scope, blob.TotalSize(objs), len(objs))
}
