package ratelimit

// Stats is a point-in-time snapshot of the limiter counters. The fields are
// read one by one, so a snapshot taken under load may be off by a few
// requests between fields.
type Stats struct {
	TotalRequests     int64  `json:"total_requests"`
	RateLimitedCount  int64  `json:"rate_limited_count"`
	SharedStoreHits   int64  `json:"shared_store_hits"`
	LocalFallbackHits int64  `json:"local_fallback_hits"`
	Backend           string `json:"backend"`
	Degraded          bool   `json:"degraded"`
}

// Stats returns a snapshot of the counters
func (l *Limiter) Stats() Stats {
	return Stats{
		TotalRequests:     l.totalRequests.Load(),
		RateLimitedCount:  l.rateLimitedCount.Load(),
		SharedStoreHits:   l.sharedStoreHits.Load(),
		LocalFallbackHits: l.localFallbackHits.Load(),
		Backend:           l.Backend(),
		Degraded:          l.degraded.Load(),
	}
}

// Backend returns the name of the counter currently answering requests
func (l *Limiter) Backend() string {
	if l.shared == nil || l.degraded.Load() {
		return l.local.Name()
	}
	return l.shared.Name()
}
