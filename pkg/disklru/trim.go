package disklru

// trimLocked evicts least recently used entries until the cache fits
// MaxSize, then rebuilds the journal if it has grown too redundant.
//
// Entries with a pending edit are skipped, so Size may remain above
// MaxSize until those edits complete.
func (c *Cache) trimLocked() {
	if c.size > c.maxSize {
		c.table.each(func(e *entry) bool {
			if c.size <= c.maxSize {
				return false
			}

			if e.pending() {
				return true
			}

			c.evictLocked(e)

			return true
		})
	}

	if c.rebuildRequiredLocked() {
		err := c.rebuildLocked()
		if err != nil {
			c.logger.Warn("disklru: compaction failed", "dir", c.dir, "err", err)
		}
	}
}

func (c *Cache) evictLocked(e *entry) {
	size := e.size()

	err := c.dropLocked(e)
	if err != nil {
		c.logger.Warn("disklru: evict failed", "key", e.key, "err", err)

		return
	}

	c.stats.Evictions++
	c.logger.Debug("disklru: evicted", "key", e.key, "bytes", size)
}

// rebuildRequiredLocked reports whether the journal should be compacted:
// it is broken, or redundant records reach the threshold and outnumber the
// live entries.
func (c *Cache) rebuildRequiredLocked() bool {
	if c.journalBroken {
		return true
	}

	return c.redundantOps >= c.compactAt && c.redundantOps >= c.table.len()
}
