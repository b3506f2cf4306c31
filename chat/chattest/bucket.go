package chattest

import (
	"context"
	"sync"
)

// Bucket is an in-memory chat.Bucket.
type Bucket struct {
	// Err, when set, is returned by Put.
	Err error

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

// Put stores data under path and returns a fake public URL.
func (b *Bucket) Put(_ context.Context, path, contentType string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return "", b.Err
	}
	if b.objects == nil {
		b.objects = make(map[string][]byte)
		b.types = make(map[string]string)
	}
	b.objects[path] = append([]byte(nil), data...)
	b.types[path] = contentType
	return "https://bucket.test/" + path, nil
}

// Paths returns the stored object paths.
func (b *Bucket) Paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for p := range b.objects {
		out = append(out, p)
	}
	return out
}
