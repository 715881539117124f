// Package replycache maps numeric short IDs (the compact "#42"-style
// reference a user types to reply to a prior message) to the full message
// UUID and delivery context needed to resolve a reply, per account.
//
// Grounded on the bounded LRU idiom used elsewhere in the retrieval pack
// (container/list + map, evict-oldest-on-capacity) and generalized into a
// bijection between monotonic short IDs and UUIDs.
package replycache

import (
	"container/list"
	"sync"
	"time"
)

// MaxEntries bounds the cache to a low-thousands size, per spec.
const MaxEntries = 4000

// ShortIDMax is the wraparound boundary for the monotonic short-ID counter.
// Once a per-account counter reaches this, it wraps back to 1, skipping any
// ID still live in the cache (collision avoidance via skip-ahead in next()).
const ShortIDMax = 1_000_000

// QuiescenceWindow is the minimum time a short ID must sit unused (evicted
// from the cache and not reissued) before its numeric value is safe to
// reuse for a different message.
const QuiescenceWindow = 10 * time.Minute

// Entry is a single remembered reply target.
type Entry struct {
	ShortID        int
	UUID           string
	ChatGuid       string
	ChatIdentifier string
	ChatID         string
	SenderLabel    string
	Body           string
	Timestamp      time.Time
}

type accountState struct {
	byShortID map[int]*list.Element // shortID -> node
	byUUID    map[string]*list.Element
	order     *list.List // front = most recently used
	nextID    int
	retired   map[int]time.Time // shortID -> time it left the cache
}

func newAccountState() *accountState {
	return &accountState{
		byShortID: make(map[int]*list.Element),
		byUUID:    make(map[string]*list.Element),
		order:     list.New(),
		retired:   make(map[int]time.Time),
		nextID:    1,
	}
}

// Cache is a per-account reply cache bounded to MaxEntries entries.
type Cache struct {
	mu       sync.Mutex
	accounts map[string]*accountState
}

// New creates an empty reply cache.
func New() *Cache {
	return &Cache{accounts: make(map[string]*accountState)}
}

func (c *Cache) account(accountID string) *accountState {
	a, ok := c.accounts[accountID]
	if !ok {
		a = newAccountState()
		c.accounts[accountID] = a
	}
	return a
}

// Remember records a message under an account, idempotent by
// accountID+messageId (UUID): calling it again for the same UUID returns
// the same short ID rather than allocating a new one.
func (c *Cache) Remember(accountID string, e Entry) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.account(accountID)

	if el, ok := a.byUUID[e.UUID]; ok {
		existing := el.Value.(*Entry)
		e.ShortID = existing.ShortID
		*existing = e
		a.order.MoveToFront(el)
		return existing.ShortID
	}

	e.ShortID = a.nextShortID()
	el := a.order.PushFront(&e)
	a.byShortID[e.ShortID] = el
	a.byUUID[e.UUID] = el

	for a.order.Len() > MaxEntries {
		a.evictOldest()
	}

	return e.ShortID
}

// nextShortID allocates the next free short ID for an account, skipping any
// value still live in the cache and wrapping at ShortIDMax.
func (a *accountState) nextShortID() int {
	for {
		id := a.nextID
		a.nextID++
		if a.nextID >= ShortIDMax {
			a.nextID = 1
		}
		if _, live := a.byShortID[id]; live {
			continue
		}
		return id
	}
}

func (a *accountState) evictOldest() {
	back := a.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*Entry)
	a.order.Remove(back)
	delete(a.byShortID, e.ShortID)
	delete(a.byUUID, e.UUID)
	a.retired[e.ShortID] = time.Now()
}

// ShortIDForUUID returns the short ID previously assigned to a message UUID.
func (c *Cache) ShortIDForUUID(accountID, uuid string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[accountID]
	if !ok {
		return 0, false
	}
	el, ok := a.byUUID[uuid]
	if !ok {
		return 0, false
	}
	return el.Value.(*Entry).ShortID, true
}

// Resolve looks up the full reply-context entry for a short ID.
//
// Resolve reports (nil, false) for any short ID that is not live in this
// account's cache, whether it was never issued or has been evicted; the two
// cases return the same result, and requireKnownShortID does not change it.
func (c *Cache) Resolve(accountID string, shortID int, requireKnownShortID bool) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.accounts[accountID]
	if !ok {
		return nil, false
	}

	if el, ok := a.byShortID[shortID]; ok {
		e := *el.Value.(*Entry)
		a.order.MoveToFront(el)
		return &e, true
	}

	if requireKnownShortID {
		if _, everRetired := a.retired[shortID]; !everRetired && shortID >= a.nextID {
			return nil, false
		}
	}

	return nil, false
}

// CanReuse reports whether a short ID that has been evicted from an
// account's cache has sat quiescent long enough to be safely reissued to a
// different message without confusing a user who still remembers it.
func (c *Cache) CanReuse(accountID string, shortID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[accountID]
	if !ok {
		return true
	}
	if _, live := a.byShortID[shortID]; live {
		return false
	}
	retiredAt, ok := a.retired[shortID]
	if !ok {
		return true
	}
	return time.Since(retiredAt) >= QuiescenceWindow
}

// Size returns the number of entries cached for an account (test/metrics use).
func (c *Cache) Size(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[accountID]
	if !ok {
		return 0
	}
	return a.order.Len()
}
