package engine

import (
	"sync"
	"time"
)

const defaultBlacklistDelay = 30 * time.Second

// BlacklistItem wraps one retryable payload with its schedule. Count is the
// number of times the item was handed out by Get.
type BlacklistItem struct {
	id      string
	payload any
	count   int
	nextTry time.Time
}

// ID returns the caller-supplied key of the item.
func (i *BlacklistItem) ID() string {
	return i.id
}

// Payload returns the wrapped value.
func (i *BlacklistItem) Payload() any {
	return i.payload
}

// Count returns how many times the item was retrieved.
func (i *BlacklistItem) Count() int {
	return i.count
}

// BlacklistQueue is a delayed-retry container. Items pushed with a delay are
// invisible to Get until their next_try time elapses; repushing with
// increaseWait doubles the wait per retrieval, implementing exponential
// backoff for items that keep failing. Process-local only: it is rebuilt on
// restart from pairs with a non-zero error count.
type BlacklistQueue struct {
	delay time.Duration
	items map[string]*BlacklistItem
	mu    sync.Mutex
}

// NewBlacklistQueue creates a queue with the given base delay. A zero delay
// falls back to the default.
func NewBlacklistQueue(delay time.Duration) *BlacklistQueue {
	if delay <= 0 {
		delay = defaultBlacklistDelay
	}
	return &BlacklistQueue{
		delay: delay,
		items: make(map[string]*BlacklistItem),
	}
}

// Push inserts a new payload keyed by id. A push for an id already present is
// rejected in favor of the existing entry.
func (q *BlacklistQueue) Push(id string, payload any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[id]; exists {
		return false
	}
	q.items[id] = &BlacklistItem{
		id:      id,
		payload: payload,
		nextTry: time.Now().Add(q.delay),
	}
	return true
}

// Get removes and returns one item whose next_try has elapsed, or nil when
// none is ready. The retrieval count is incremented before handing the item
// to the caller.
func (q *BlacklistQueue) Get() *BlacklistItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var ready *BlacklistItem
	for _, item := range q.items {
		if item.nextTry.After(now) {
			continue
		}
		if ready == nil || item.nextTry.Before(ready.nextTry) {
			ready = item
		}
	}
	if ready == nil {
		return nil
	}

	delete(q.items, ready.id)
	ready.count++
	return ready
}

// Repush reinserts a previously retrieved item without touching its count.
// With increaseWait false the item becomes ready after the base delay (flat
// retry); with true the wait is base * 2^count.
func (q *BlacklistQueue) Repush(item *BlacklistItem, increaseWait bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wait := q.delay
	if increaseWait {
		wait = q.delay << uint(item.count)
	}
	item.nextTry = time.Now().Add(wait)
	q.items[item.id] = item
}

// Remove drops a pending item by id, if present.
func (q *BlacklistQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
}

// Len returns the number of parked items, ready or not.
func (q *BlacklistQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
