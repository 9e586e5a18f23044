// Package dedupe remembers recent submissions so duplicates are refused
// before they reach the store.
package dedupe

import (
	"container/list"
	"context"
	"strconv"
	"strings"
	"sync"
)

const defaultMaxSize = 50_000

// Deduper records seen keys.
type Deduper interface {
	// SeenAndRecord reports whether key was seen before and records it if not.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord forgets key so a failed write can be retried.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// Key builds the guard key for one (game, kind, identity, round) submission.
func Key(gameID, kind, identity string, round int) string {
	return strings.Join([]string{gameID, kind, identity, strconv.Itoa(round)}, "/")
}

// inMemoryDeduper keeps keys in insertion order and evicts the oldest once
// maxSize is reached. maxSize <= 0 means unbounded.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	maxSize int
}

// NewInMemoryDeduper creates a deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: defaultMaxSize,
		seen:    make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if d.maxSize > 0 && d.order.Len() >= d.maxSize {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	d.seen[key] = d.order.PushBack(key)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[key]; ok {
		d.order.Remove(el)
		delete(d.seen, key)
	}
}

func (d *inMemoryDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(d.order.Len())
}
