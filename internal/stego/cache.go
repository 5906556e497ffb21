package stego

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// AnalysisCache memoizes CapacityAnalysis results by image content hash.
// Create one at startup, share it, and Close it on shutdown.
type AnalysisCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	analysis  CapacityAnalysis
	expiresAt time.Time
}

// NewAnalysisCache starts a cache whose entries live for ttl. Expired
// entries are purged every ttl/2.
func NewAnalysisCache(ttl time.Duration) *AnalysisCache {
	c := &AnalysisCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *AnalysisCache) cleanupLoop() {
	interval := c.ttl / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.purge()
		case <-c.stop:
			return
		}
	}
}

func (c *AnalysisCache) purge() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached entries, expired or not.
func (c *AnalysisCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Analyze returns the cached analysis for data or decodes and analyzes it.
func (c *AnalysisCache) Analyze(data []byte) (CapacityAnalysis, bool, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.analysis, true, nil
	}

	img, _, err := DecodeImage(bytes.NewReader(data))
	if err != nil {
		return CapacityAnalysis{}, false, err
	}
	a := AnalyzeCapacity(img)

	c.mu.Lock()
	c.entries[key] = cacheEntry{analysis: a, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return a, false, nil
}

// Close stops the cleanup goroutine.
func (c *AnalysisCache) Close() {
	c.once.Do(func() { close(c.stop) })
}
