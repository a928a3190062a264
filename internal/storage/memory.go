package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process blob gateway used by tests and the inline
// development mode.
type Memory struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string][]byte
}

func NewMemory(baseURL string) *Memory {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "memory://blobs"
	}
	return &Memory{
		baseURL: baseURL,
		objects: make(map[string][]byte),
	}
}

func (m *Memory) Put(ctx context.Context, data []byte, folder string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	objectKey, _ := NewObjectKey(folder, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey] = append([]byte(nil), data...)
	return joinURL(m.baseURL, objectKey), nil
}

func (m *Memory) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objectKey, err := keyFromURL(m.baseURL, url)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", objectKey, ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objectKey, err := keyFromURL(m.baseURL, url)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectKey)
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
