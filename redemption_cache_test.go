package mintgate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mintgate/mintgate/token"
)

func TestRedemptionCache_CheckAndMark_Cached(t *testing.T) {
	cache := NewRedemptionCache(5 * time.Minute)
	key := "test-key"
	outcome := &RedemptionOutcome{
		Result: &RedeemResult{Collected: 8, Fee: 1},
	}

	// First call should return NotFound and mark in-flight
	status, result, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound, got %v", status)
	}
	if result != nil {
		t.Error("Expected nil result for NotFound")
	}

	// Complete the redemption
	cache.Complete(key, outcome, done)

	// Second call should return Cached
	status, result, _ = cache.CheckAndMark(key)
	if status != StatusCached {
		t.Errorf("Expected StatusCached, got %v", status)
	}
	if result == nil || result.Result == nil || result.Result.Collected != 8 {
		t.Errorf("Expected cached result with collected 8")
	}
}

func TestRedemptionCache_CachesDefinitiveFailure(t *testing.T) {
	cache := NewRedemptionCache(5 * time.Minute)
	key := "spent-key"

	_, _, done := cache.CheckAndMark(key)
	cache.Complete(key, &RedemptionOutcome{
		Err: NewGatewayError(ErrCodeTokenSpent, "token already spent", nil),
	}, done)

	status, result, _ := cache.CheckAndMark(key)
	if status != StatusCached {
		t.Fatalf("Expected StatusCached, got %v", status)
	}
	if result.Err == nil || result.Err.Code != ErrCodeTokenSpent {
		t.Errorf("Expected cached token_spent, got %+v", result)
	}
}

func TestRedemptionCache_CheckAndMark_InFlight(t *testing.T) {
	cache := NewRedemptionCache(5 * time.Minute)
	key := "inflight-test"

	// First call marks in-flight
	status1, _, done1 := cache.CheckAndMark(key)
	if status1 != StatusNotFound {
		t.Errorf("Expected StatusNotFound, got %v", status1)
	}

	// Second call should see in-flight
	status2, _, done2 := cache.CheckAndMark(key)
	if status2 != StatusInFlight {
		t.Errorf("Expected StatusInFlight, got %v", status2)
	}

	// Both should have the same channel
	if done1 != done2 {
		t.Error("Expected same done channel for in-flight requests")
	}
}

func TestRedemptionCache_Expiry(t *testing.T) {
	cache := NewRedemptionCache(50 * time.Millisecond)
	key := "expiry-test"
	outcome := &RedemptionOutcome{Result: &RedeemResult{Collected: 4}}

	status, _, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Fatalf("Expected StatusNotFound, got %v", status)
	}
	cache.Complete(key, outcome, done)

	// Should be cached immediately
	status, result, _ := cache.CheckAndMark(key)
	if status != StatusCached {
		t.Error("Expected StatusCached immediately after complete")
	}
	if result == nil {
		t.Error("Expected non-nil result")
	}

	// Wait for expiry
	time.Sleep(60 * time.Millisecond)

	// Should be expired (treated as NotFound)
	status, _, done = cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound after expiry, got %v", status)
	}
	cache.Fail(key, done) // Clean up
}

func TestRedemptionCache_Fail(t *testing.T) {
	cache := NewRedemptionCache(5 * time.Minute)
	key := "fail-test"

	// Mark as in-flight
	status, _, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Fatalf("Expected StatusNotFound, got %v", status)
	}

	// Release without caching, as for an ambiguous mint failure
	cache.Fail(key, done)

	// Should be able to retry (not cached, not in-flight)
	status, _, done2 := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound after fail (retry allowed), got %v", status)
	}
	cache.Fail(key, done2) // Clean up
}

func TestRedemptionCache_WaitForResult_Success(t *testing.T) {
	cache := NewRedemptionCache(5 * time.Minute)
	key := "wait-test"
	outcome := &RedemptionOutcome{Result: &RedeemResult{Collected: 16}}

	// First request marks in-flight
	_, _, done := cache.CheckAndMark(key)

	var wg sync.WaitGroup
	var waitResult *RedemptionOutcome
	var waitErr error

	// Second request waits
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx := context.Background()
		waitResult, waitErr = cache.WaitForResult(ctx, key, done)
	}()

	// Give waiter time to start
	time.Sleep(10 * time.Millisecond)

	// Complete the redemption
	cache.Complete(key, outcome, done)

	wg.Wait()

	if waitErr != nil {
		t.Errorf("Expected no error, got %v", waitErr)
	}
	if waitResult == nil || waitResult.Result == nil || waitResult.Result.Collected != 16 {
		t.Errorf("Expected result with collected 16, got %v", waitResult)
	}
}

func TestRedemptionCache_WaitForResult_ContextCancelled(t *testing.T) {
	cache := NewRedemptionCache(5 * time.Minute)
	key := "cancel-test"

	// Mark in-flight
	_, _, done := cache.CheckAndMark(key)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	var waitErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, waitErr = cache.WaitForResult(ctx, key, done)
	}()

	// Give waiter time to start
	time.Sleep(10 * time.Millisecond)

	// Cancel context
	cancel()

	wg.Wait()

	if waitErr != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", waitErr)
	}

	// Clean up
	cache.Fail(key, done)
}

func TestRedemptionCache_ConcurrentWaiters(t *testing.T) {
	cache := NewRedemptionCache(5 * time.Minute)
	key := "concurrent-test"

	// First request marks in-flight
	status, _, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Fatalf("Expected StatusNotFound, got %v", status)
	}

	var wg sync.WaitGroup
	results := make([]*RedemptionOutcome, 3)
	errs := make([]error, 3)

	// Start 3 goroutines that wait for the result
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ctx := context.Background()
			results[idx], errs[idx] = cache.WaitForResult(ctx, key, done)
		}(i)
	}

	// Give waiters time to start
	time.Sleep(10 * time.Millisecond)

	// Complete with a result
	outcome := &RedemptionOutcome{Result: &RedeemResult{
		Collected: 32,
		Change:    []token.Proof{{Amount: 32, ID: "k", Secret: "s", C: "c"}},
	}}
	cache.Complete(key, outcome, done)

	wg.Wait()

	// All should have the same result
	for i := 0; i < 3; i++ {
		if errs[i] != nil {
			t.Errorf("Goroutine %d got error: %v", i, errs[i])
			continue
		}
		if results[i] == nil || results[i].Result == nil {
			t.Errorf("Goroutine %d got nil result", i)
			continue
		}
		if results[i].Result.Collected != 32 {
			t.Errorf("Goroutine %d got wrong amount: %d", i, results[i].Result.Collected)
		}
	}
}

func TestRedemptionCache_AtomicCheckAndMark(t *testing.T) {
	cache := NewRedemptionCache(5 * time.Minute)
	key := "atomic-test"

	var wg sync.WaitGroup
	notFoundCount := 0
	inFlightCount := 0
	var mu sync.Mutex

	// Launch 10 goroutines simultaneously
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, _ := cache.CheckAndMark(key)
			mu.Lock()
			if status == StatusNotFound {
				notFoundCount++
			} else if status == StatusInFlight {
				inFlightCount++
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	// Exactly one should have gotten NotFound (owns the slot)
	if notFoundCount != 1 {
		t.Errorf("Expected exactly 1 NotFound, got %d", notFoundCount)
	}

	// Rest should have gotten InFlight
	if inFlightCount != 9 {
		t.Errorf("Expected 9 InFlight, got %d", inFlightCount)
	}
}
