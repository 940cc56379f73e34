// Package offlinequeue persists answer submissions made while disconnected.
// The whole FIFO is stored as one JSON array under a single key and is
// read-modify-written as a unit.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
	"github.com/mcdev12/duelsync/go/internal/duel/store"
)

// DefaultKey is the storage key holding the queue
const DefaultKey = "duel.offline_queue"

// ErrIndexOutOfRange is returned by RemoveAt for an index outside the queue
var ErrIndexOutOfRange = errors.New("queue index out of range")

// Queue is a persisted FIFO of submissions. Safe for use by one process.
type Queue struct {
	kv  store.KV
	key string
	mu  sync.Mutex
}

// New creates a queue stored under DefaultKey
func New(kv store.KV) *Queue {
	return NewWithKey(kv, DefaultKey)
}

// NewWithKey creates a queue stored under key
func NewWithKey(kv store.KV, key string) *Queue {
	return &Queue{kv: kv, key: key}
}

// Append adds s at the tail and returns the new length
func (q *Queue) Append(ctx context.Context, s events.Submission) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	items = append(items, s)
	if err := q.save(ctx, items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// List returns a copy of the queue in FIFO order
func (q *Queue) List(ctx context.Context) ([]events.Submission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Count returns the number of queued submissions
func (q *Queue) Count(ctx context.Context) (int, error) {
	items, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// RemoveAt deletes the item at index and returns it so the caller can offer an undo
func (q *Queue) RemoveAt(ctx context.Context, index int) (events.Submission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return events.Submission{}, err
	}
	if index < 0 || index >= len(items) {
		return events.Submission{}, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(items))
	}
	removed := items[index]
	items = append(items[:index], items[index+1:]...)
	if err := q.save(ctx, items); err != nil {
		return events.Submission{}, err
	}
	return removed, nil
}

// InsertAt puts s back at index. Indices past the tail append.
func (q *Queue) InsertAt(ctx context.Context, index int, s events.Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return err
	}
	if index < 0 {
		index = 0
	}
	if index > len(items) {
		index = len(items)
	}
	items = append(items, events.Submission{})
	copy(items[index+1:], items[index:])
	items[index] = s
	return q.save(ctx, items)
}

// TrimFront drops the first n items and returns how many remain.
// Items appended after the caller read the queue are kept.
func (q *Queue) TrimFront(ctx context.Context, n int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	if n > len(items) {
		n = len(items)
	}
	if n > 0 {
		items = items[n:]
		if err := q.save(ctx, items); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

// Clear empties the queue
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(ctx, nil)
}

func (q *Queue) load(ctx context.Context) ([]events.Submission, error) {
	raw, ok, err := q.kv.Get(ctx, q.key)
	if err != nil {
		return nil, fmt.Errorf("read offline queue: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var items []events.Submission
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode offline queue: %w", err)
	}
	return items, nil
}

func (q *Queue) save(ctx context.Context, items []events.Submission) error {
	if items == nil {
		items = []events.Submission{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := q.kv.Set(ctx, q.key, string(data)); err != nil {
		return fmt.Errorf("write offline queue: %w", err)
	}
	return nil
}
