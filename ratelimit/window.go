package ratelimit

import (
	"strings"
	"sync"
	"time"
)

const DefaultMaxKeys = 10_000

// Decision is the outcome of one limiter hit.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// SlidingWindowLimiter counts hits per key over a trailing window. State is
// per process; the durable counters in Guard carry the cross-process bound.
type SlidingWindowLimiter struct {
	Limit   int
	Window  time.Duration
	MaxKeys int
	Now     func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		Limit:   limit,
		Window:  window,
		MaxKeys: DefaultMaxKeys,
		Now:     func() time.Time { return time.Now().UTC() },
		hits:    map[string][]time.Time{},
	}
}

// Allow records a hit for key when it fits the window. Rejected hits are not
// recorded. A non-positive limit disables the limiter.
func (l *SlidingWindowLimiter) Allow(key string) Decision {
	if l == nil || l.Limit <= 0 || l.Window <= 0 {
		return Decision{Allowed: true}
	}
	key = strings.TrimSpace(key)
	now := l.now()
	cutoff := now.Add(-l.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hits == nil {
		l.hits = map[string][]time.Time{}
	}
	recent := trimBefore(l.hits[key], cutoff)
	if len(recent) >= l.Limit {
		l.hits[key] = recent
		return Decision{
			Allowed:    false,
			Count:      len(recent),
			Limit:      l.Limit,
			RetryAfter: recent[0].Add(l.Window).Sub(now),
		}
	}
	if _, tracked := l.hits[key]; !tracked {
		l.evictLocked(cutoff)
	}
	recent = append(recent, now)
	l.hits[key] = recent
	return Decision{Allowed: true, Count: len(recent), Limit: l.Limit}
}

// Len reports how many keys are tracked.
func (l *SlidingWindowLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

func (l *SlidingWindowLimiter) evictLocked(cutoff time.Time) {
	maxKeys := l.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if len(l.hits) < maxKeys {
		return
	}
	for key, hits := range l.hits {
		if remaining := trimBefore(hits, cutoff); len(remaining) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = remaining
		}
	}
	// Still full: drop the key whose newest hit is oldest.
	for len(l.hits) >= maxKeys {
		var oldestKey string
		var oldest time.Time
		for key, hits := range l.hits {
			newest := hits[len(hits)-1]
			if oldestKey == "" || newest.Before(oldest) {
				oldestKey, oldest = key, newest
			}
		}
		delete(l.hits, oldestKey)
	}
}

func (l *SlidingWindowLimiter) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func trimBefore(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append([]time.Time(nil), hits[idx:]...)
}
