package crawler

import "sync"

// visitTracker provides thread-safe visited URL tracking to prevent revisits.
type visitTracker interface {
	MarkIfNew(url string) bool
}

type concurrentVisitTracker struct {
	seen sync.Map
}

func newConcurrentVisitTracker() *concurrentVisitTracker {
	return &concurrentVisitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
// Keys are normalized so ".../job/A" and ".../job/A/" count as one visit.
func (t *concurrentVisitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	key := url
	if normalized, err := NormalizeURL(url); err == nil {
		key = normalized
	}
	_, loaded := t.seen.LoadOrStore(key, struct{}{})
	return !loaded
}
