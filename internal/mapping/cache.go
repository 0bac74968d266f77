// Package mapping implements the bidirectional message-identifier
// index: one map keyed by helpdesk message id, with a linear-scan
// reverse lookup by provider message id, plus the shared wipe timer
// that also clears the credit ledger.
package mapping

import (
	"sync"
	"time"

	"wootrico-bridge/internal/domain"
	"wootrico-bridge/internal/log"
)

// Cache is the process-wide mapping cache, guarded by a single mutex.
type Cache struct {
	mu      sync.Mutex
	entries map[int64]domain.MappingEntry

	wipeInterval time.Duration
	onWipe       func()
	stop         chan struct{}
	logger       *log.Logger
}

// New constructs an empty cache. onWipe is invoked (e.g. to also clear
// the credit ledger) every time the periodic eviction fires.
func New(wipeInterval time.Duration, logger *log.Logger, onWipe func()) *Cache {
	return &Cache{
		entries:      make(map[int64]domain.MappingEntry),
		wipeInterval: wipeInterval,
		onWipe:       onWipe,
		stop:         make(chan struct{}),
		logger:       logger,
	}
}

// Store records a mapping entry after a successful send in either
// direction. An older entry holding the same non-empty provider message
// id is dropped, so each provider id maps to at most one helpdesk id.
func (c *Cache) Store(entry domain.MappingEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.ProviderMsgID != "" {
		for id, e := range c.entries {
			if id != entry.HelpdeskMsgID && e.ProviderMsgID == entry.ProviderMsgID {
				delete(c.entries, id)
			}
		}
	}
	c.entries[entry.HelpdeskMsgID] = entry
}

// Remove deletes the mapping for a helpdesk message id, on successful
// delete in either direction.
func (c *Cache) Remove(helpdeskMsgID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, helpdeskMsgID)
}

// ByHelpdeskID looks up a mapping by helpdesk message id.
func (c *Cache) ByHelpdeskID(helpdeskMsgID int64) (domain.MappingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[helpdeskMsgID]
	return e, ok
}

// ByProviderID reverse-looks-up a mapping by provider message id via a
// linear scan, acceptable at the scale implied by the 5-hour wipe.
func (c *Cache) ByProviderID(providerMsgID string) (domain.MappingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.ProviderMsgID == providerMsgID {
			return e, true
		}
	}
	return domain.MappingEntry{}, false
}

// StartWipeTimer launches the background timer that wipes the cache (and
// invokes onWipe, which clears the credit ledger) every wipeInterval.
func (c *Cache) StartWipeTimer() {
	go func() {
		ticker := time.NewTicker(c.wipeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.wipe()
			case <-c.stop:
				return
			}
		}
	}()
}

// StopWipeTimer stops the background timer, for graceful shutdown.
func (c *Cache) StopWipeTimer() {
	close(c.stop)
}

func (c *Cache) wipe() {
	c.mu.Lock()
	c.entries = make(map[int64]domain.MappingEntry)
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Info().Msg("mapping cache and credit ledger wiped")
	}
	if c.onWipe != nil {
		c.onWipe()
	}
}

// Len reports the number of entries, for operational visibility.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
