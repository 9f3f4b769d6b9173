// ABOUTME: Bounded cache of prepared statements keyed by SQL text.
// ABOUTME: Owned by the store worker goroutine, so it uses the non-locking simplelru.

package store

import (
	"database/sql"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// stmtCache maps SQL text to prepared statements. When maxSize is reached the
// least recently used statement is closed and dropped. Only the worker
// goroutine touches the LRU; counters are atomic for Stats.
type stmtCache struct {
	lru    *simplelru.LRU[string, *sql.Stmt] // nil when caching is disabled
	size   atomic.Int64
	hits   atomic.Uint64
	misses atomic.Uint64
}

func newStmtCache(maxSize int) *stmtCache {
	c := &stmtCache{}
	if maxSize <= 0 {
		return c
	}
	// NewLRU only fails for a non-positive size.
	c.lru, _ = simplelru.NewLRU[string, *sql.Stmt](maxSize, func(_ string, stmt *sql.Stmt) {
		stmt.Close()
	})
	return c
}

// get returns the cached statement for query and marks it recently used.
func (c *stmtCache) get(query string) (*sql.Stmt, bool) {
	if c.lru == nil {
		c.misses.Add(1)
		return nil, false
	}
	stmt, ok := c.lru.Get(query)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return stmt, true
}

// put stores stmt under query. With caching disabled put reports false and
// the caller owns stmt.
func (c *stmtCache) put(query string, stmt *sql.Stmt) bool {
	if c.lru == nil {
		return false
	}
	// Add replaces in place without the eviction callback.
	if old, ok := c.lru.Peek(query); ok && old != stmt {
		old.Close()
	}
	c.lru.Add(query, stmt)
	c.size.Store(int64(c.lru.Len()))
	return true
}

// closeAll closes every cached statement.
func (c *stmtCache) closeAll() {
	if c.lru == nil {
		return
	}
	c.lru.Purge()
	c.size.Store(0)
}
