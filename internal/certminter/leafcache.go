// leafcache.go — a bounded in-memory eviction cache for minted LeafCerts.
//
// Same two-queue-plus-ghost S3-FIFO algorithm as an on-disk token cache
// elsewhere in this codebase, but keyed by hostname, valued by *LeafCert,
// and with no on-disk backing store: leaf certificates are cheap to
// regenerate (a few milliseconds of RSA keygen + signing), so a cache miss
// or expiry just regenerates and nothing is gained by persisting entries
// across restarts.
package certminter

import (
	"container/list"
	"sync"
	"time"
)

// leafEntry holds the in-memory state for one cached leaf certificate.
type leafEntry struct {
	leaf *LeafCert
	freq uint8         // saturating counter in [0, 3]
	elem *list.Element // back-pointer into sQueue or mQueue
	inM  bool          // true → lives in mQueue, false → sQueue
}

// leafCache is a hostname-keyed S3-FIFO eviction cache for *LeafCert.
type leafCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*leafEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int
}

// newLeafCache returns an empty cache bounded to at most capacity entries
// (clamped to a minimum of 2).
func newLeafCache(capacity int) *leafCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &leafCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*leafEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

// get returns the cached leaf for hostname, if present and not expired.
// An expired entry is evicted and treated as a miss: a leaf is never
// returned once past its NotAfter.
func (c *leafCache) get(hostname string) (*LeafCert, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hostname]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.leaf.NotAfter) {
		c.removeLocked(hostname)
		return nil, false
	}
	if e.freq < 3 {
		e.freq++
	}
	return e.leaf, true
}

// set inserts or updates the cached leaf for hostname.
func (c *leafCache) set(hostname string, leaf *LeafCert) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[hostname]; ok {
		e.leaf = leaf
		return
	}

	inM := c.ghostContains(hostname)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(hostname)
	} else {
		elem = c.sQueue.PushBack(hostname)
	}
	c.entries[hostname] = &leafEntry{leaf: leaf, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// purge discards every cached entry, forcing the next CertFor for any
// hostname to mint a fresh leaf.
func (c *leafCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*leafEntry, c.capacity)
	c.sQueue = list.New()
	c.mQueue = list.New()
	c.ghostSet = make(map[string]struct{}, c.ghostCap)
	c.ghostHead, c.ghostCount = 0, 0
}

func (c *leafCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *leafCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string) //nolint:errcheck // queue only ever holds strings we pushed
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
	}
}

func (c *leafCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string) //nolint:errcheck // queue only ever holds strings we pushed
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

func (c *leafCache) removeLocked(hostname string) {
	e, ok := c.entries[hostname]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, hostname)
}

func (c *leafCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *leafCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
