package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data []byte
	meta Object
}

// Memory is an in-process Store for tests and development
type Memory struct {
	mu         sync.RWMutex
	objects    map[string]memObject
	baseURL    string
	publicBase string
	now        func() time.Time
}

// NewMemory creates an empty store. A non-empty publicBase makes the
// bucket public.
func NewMemory(baseURL, publicBase string) *Memory {
	return &Memory{
		objects:    make(map[string]memObject),
		baseURL:    baseURL,
		publicBase: publicBase,
		now:        time.Now,
	}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, opts PutOptions) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; ok && !opts.Overwrite {
		return Object{}, ErrExists
	}
	meta := Object{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: opts.ContentType,
		UpdatedAt:   m.now(),
	}
	m.objects[key] = memObject{data: bytes.Clone(data), meta: meta}
	return meta, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	return bytes.Clone(obj.data), obj.meta, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, k := range keys {
		if _, ok := m.objects[k]; ok {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Object{}
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, obj.meta)
		}
	}
	return out, nil
}

func (m *Memory) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	v := url.Values{}
	v.Set("expires", fmt.Sprint(m.now().Add(expires).Unix()))
	return joinURL(m.baseURL, key) + "?" + v.Encode(), nil
}

func (m *Memory) PublicURL(key string) (string, error) {
	if m.publicBase == "" {
		return "", ErrNoPublic
	}
	return joinURL(m.publicBase, key), nil
}
