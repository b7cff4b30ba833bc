package claimrelay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileDispatchQueue keeps pending items in a JSON snapshot that is rewritten
// atomically on every change, so a restart resumes undelivered work.
type fileDispatchQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []DispatchItem
}

type fileDispatchQueueState struct {
	Items []DispatchItem `json:"items"`
}

func NewFileDispatchQueue(path string, capacity int) (DispatchQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultDispatchQueueCapacity
	}
	q := &fileDispatchQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []DispatchItem{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileDispatchQueue) TryEnqueue(item DispatchItem) bool {
	if !item.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileDispatchQueue) Enqueue(ctx context.Context, item DispatchItem) bool {
	if !item.valid() {
		return false
	}
	for {
		if q.TryEnqueue(item) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileDispatchQueue) Dequeue(ctx context.Context) (DispatchItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]DispatchItem{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return DispatchItem{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return DispatchItem{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileDispatchQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileDispatchQueue) Capacity() int {
	return q.capacity
}

func (q *fileDispatchQueue) Close() error {
	return nil
}

func (q *fileDispatchQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileDispatchQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// Oldest items are dropped when the snapshot outgrew a smaller capacity.
	if len(snapshot.Items) > q.capacity {
		q.items = append([]DispatchItem(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]DispatchItem(nil), snapshot.Items...)
	return nil
}

func (q *fileDispatchQueue) saveLocked() error {
	data, err := json.Marshal(fileDispatchQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
