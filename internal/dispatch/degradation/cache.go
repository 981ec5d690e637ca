package degradation

import (
	"sort"
	"time"
)

// CacheToolResult stores result for (toolName, argsHash) for up to 24h,
// used when a network-dependent, cacheable tool runs while OFFLINE.
func (m *Manager) CacheToolResult(toolName, argsHash string, result any) {
	key := toolName + ":" + argsHash
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[key] = cacheEntry{result: result, cachedAt: time.Now()}
}

// GetCachedToolResult returns the cached result, the time it was cached and
// true if present and not expired; otherwise (nil, zero time, false).
// Expired entries are evicted lazily.
func (m *Manager) GetCachedToolResult(toolName, argsHash string) (any, time.Time, bool) {
	key := toolName + ":" + argsHash
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	entry, ok := m.cache[key]
	if !ok {
		return nil, time.Time{}, false
	}
	if time.Since(entry.cachedAt) > cacheTTL {
		delete(m.cache, key)
		return nil, time.Time{}, false
	}
	return entry.result, entry.cachedAt, true
}

// ClearCache drops every cached tool result.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache = make(map[string]cacheEntry)
}

// CacheSize returns the number of live cache entries.
func (m *Manager) CacheSize() int {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return len(m.cache)
}

// Enqueue adds an advisory entry to the request queue, used only so the UI
// can report "N requests waiting" (spec.md section 4.3). It never itself
// resumes a request. Returns false if the queue is at its hard cap.
func (m *Manager) Enqueue(id string, priority int) bool {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	m.evictExpiredLocked()

	if len(m.queue) >= maxQueueSize {
		return false
	}

	now := time.Now()
	m.queue = append(m.queue, queuedEntry{
		id:       id,
		priority: priority,
		queuedAt: now,
		deadline: now.Add(queueTimeout),
	})
	sort.SliceStable(m.queue, func(i, j int) bool {
		return m.queue[i].priority > m.queue[j].priority
	})
	return true
}

func (m *Manager) evictExpiredLocked() {
	now := time.Now()
	live := m.queue[:0]
	for _, e := range m.queue {
		if now.Before(e.deadline) {
			live = append(live, e)
		}
	}
	m.queue = live
}

// QueueSize returns the number of live (non-expired) queued entries.
func (m *Manager) QueueSize() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.evictExpiredLocked()
	return len(m.queue)
}

// Dequeue removes and returns the highest-priority live entry's id, or
// ("", false) if the queue is empty.
func (m *Manager) Dequeue() (string, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.evictExpiredLocked()
	if len(m.queue) == 0 {
		return "", false
	}
	id := m.queue[0].id
	m.queue = m.queue[1:]
	return id, true
}
