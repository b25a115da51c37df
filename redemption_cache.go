package mintgate

import (
	"context"
	"sync"
	"time"
)

// RedemptionCache provides idempotency for mint redemptions by caching
// terminal outcomes and tracking in-flight attempts, keyed by the proof-set
// fingerprint (HashProofSecrets). A client that retries a request with the
// same token after a timeout observes the first attempt's outcome instead
// of triggering a second swap, which would otherwise surface a spurious
// token_spent after a completed-but-unacknowledged redemption.
type RedemptionCache struct {
	mu       sync.Mutex
	results  map[string]*RedemptionOutcome
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// RedemptionOutcome is a cached terminal result: either a settlement or a
// definitive failure. Ambiguous failures are never cached.
type RedemptionOutcome struct {
	Result *RedeemResult
	Err    *GatewayError

	// Settled carries the concluded settlement for successful
	// redemptions. A retry with the same proofs re-emits it instead of
	// dispatching and settling a second time.
	Settled *SettledOutcome
}

// NewRedemptionCache creates a redemption cache with the specified TTL.
func NewRedemptionCache(ttl time.Duration) *RedemptionCache {
	return &RedemptionCache{
		results:  make(map[string]*RedemptionOutcome),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// RedemptionStatus represents the result of checking the cache.
type RedemptionStatus int

const (
	// StatusNotFound means no cached outcome and no in-flight attempt.
	StatusNotFound RedemptionStatus = iota
	// StatusCached means a terminal outcome was found.
	StatusCached
	// StatusInFlight means another request is redeeming this proof set.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and marks the key as in-flight
// if needed. Returns:
// - StatusCached + outcome if a terminal outcome exists
// - StatusInFlight + wait channel if another request is redeeming
// - StatusNotFound + done channel if this request should proceed (now marked in-flight)
func (c *RedemptionCache) CheckAndMark(key string) (RedemptionStatus, *RedemptionOutcome, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if outcome, ok := c.results[key]; ok {
				return StatusCached, outcome, nil
			}
		}
		// Expired - clean it up
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult waits for an in-flight redemption to complete, respecting
// context cancellation. Returns nil if the in-flight attempt ended without
// a cacheable outcome.
func (c *RedemptionCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*RedemptionOutcome, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get retrieves a cached outcome if it exists and hasn't expired.
func (c *RedemptionCache) Get(key string) *RedemptionOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete records a terminal outcome, caches it, and signals any waiting
// goroutines.
func (c *RedemptionCache) Complete(key string, outcome *RedemptionOutcome, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = outcome
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)
}

// Fail releases an in-flight attempt without caching anything. Used for
// ambiguous failures (unreachable, timeout) where the next attempt must be
// allowed to observe the mint's real state.
func (c *RedemptionCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Clear clears all cached outcomes.
func (c *RedemptionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results = make(map[string]*RedemptionOutcome)
	c.expiry = make(map[string]time.Time)
}
