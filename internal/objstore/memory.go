package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	scheme  string
	bucket  string
}

func NewMemory(scheme, bucket string) *Memory {
	if bucket == "" {
		bucket = "staging"
	}
	return &Memory{objects: make(map[string][]byte), scheme: scheme, bucket: bucket}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.objects[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) URI(key string) string {
	return formatURI(m.scheme, m.bucket, key)
}
