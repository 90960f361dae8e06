package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultAttemptCap = 512
	DefaultAttemptTTL = 30 * time.Second
)

// AttemptPool tracks addresses with a dial in flight or recently tried.
// Entries expire after ttl; Clear drops all of them at once.
type AttemptPool struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type attemptEntry struct {
	addr      string
	expiresAt time.Time
}

func NewAttemptPool(capacity int, ttl time.Duration) *AttemptPool {
	if capacity <= 0 {
		capacity = DefaultAttemptCap
	}
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &AttemptPool{
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// TryAcquire marks addr as attempted and reports whether it was free.
func (c *AttemptPool) TryAcquire(addr string) bool {
	if addr == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if _, ok := c.hot[addr]; ok {
		return false
	}
	if c.cap > 0 && len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	ent := &attemptEntry{addr: addr, expiresAt: c.now().Add(c.ttl)}
	c.hot[addr] = c.order.PushFront(ent)
	return true
}

func (c *AttemptPool) Release(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.hot[addr]; ok {
		delete(c.hot, addr)
		c.order.Remove(el)
	}
}

func (c *AttemptPool) Has(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	_, ok := c.hot[addr]
	return ok
}

func (c *AttemptPool) Clear() {
	c.mu.Lock()
	c.hot = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

func (c *AttemptPool) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	out := make([]string, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*attemptEntry).addr)
	}
	return out
}

func (c *AttemptPool) pruneLocked() {
	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*attemptEntry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		el = prev
	}
}

func (c *AttemptPool) evictLocked(n int) {
	for n > 0 {
		el := c.order.Back()
		if el == nil {
			return
		}
		delete(c.hot, el.Value.(*attemptEntry).addr)
		c.order.Remove(el)
		n--
	}
}
