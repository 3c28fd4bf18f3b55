package monitor

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockEntry is the cached metadata of one canonical block.
type BlockEntry struct {
	Hash       common.Hash
	ParentHash common.Hash
	// BlockTime is in milliseconds since epoch.
	BlockTime int64
}

func NewBlockEntry(header *types.Header) *BlockEntry {
	return &BlockEntry{
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		BlockTime:  int64(header.Time) * 1000,
	}
}

// BlockCache keeps block metadata for the trailing reorg window of one
// chain crawler. It is rebuilt lazily after a restart. The mutex only
// guards against the parallel header fan-out, the cache is never shared
// across crawlers.
type BlockCache struct {
	mu      sync.Mutex
	entries map[uint]*BlockEntry
}

func NewBlockCache() *BlockCache {
	return &BlockCache{
		entries: make(map[uint]*BlockEntry),
	}
}

func (c *BlockCache) Get(n uint) (*BlockEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[n]
	return entry, ok
}

func (c *BlockCache) Put(n uint, entry *BlockEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[n] = entry
}

// Prune removes entries with number <= keepAbove.
func (c *BlockCache) Prune(keepAbove uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := range c.entries {
		if n <= keepAbove {
			delete(c.entries, n)
		}
	}
}

// Drop removes entries with number >= fromInclusive, used on reorg.
func (c *BlockCache) Drop(fromInclusive uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := range c.entries {
		if n >= fromInclusive {
			delete(c.entries, n)
		}
	}
}

func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
