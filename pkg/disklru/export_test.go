package disklru

// Export internal functions for testing.
// This file is only compiled during tests.

// SimulateCrashForTesting drops the journal handle and the directory lock
// without trimming, rebuilding or syncing, as if the process had died.
// Every journal record is already flushed to the OS at this point, so the
// directory looks exactly like it would after a kill -9.
func SimulateCrashForTesting(c *Cache) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.journal != nil {
		_ = c.journal.Close()
	}

	c.journal = nil
	c.jw = nil

	_ = c.lock.Close()
}
