package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"object_registry_bot/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAllowAdmitsUpToCeilingThenRejects(t *testing.T) {
	clock := newFakeClock()
	limiter := New(time.Minute, Ceilings{ClassMutation: 3}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		if err := limiter.Allow(1, ClassMutation); err != nil {
			t.Fatalf("call %d should be admitted, got %v", i+1, err)
		}
	}

	err := limiter.Allow(1, ClassMutation)
	if !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded on 4th call, got %v", err)
	}
}

func TestWindowElapseResetsCount(t *testing.T) {
	clock := newFakeClock()
	limiter := New(time.Minute, Ceilings{ClassMutation: 3}, WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		_ = limiter.Allow(1, ClassMutation)
	}

	clock.Advance(time.Minute)

	if err := limiter.Allow(1, ClassMutation); err != nil {
		t.Fatalf("expected fresh window to admit, got %v", err)
	}

	// fresh window restarted at count=1, so two more fit under ceiling 3
	if err := limiter.Allow(1, ClassMutation); err != nil {
		t.Fatalf("expected 2nd call of fresh window to admit, got %v", err)
	}
	if err := limiter.Allow(1, ClassMutation); err != nil {
		t.Fatalf("expected 3rd call of fresh window to admit, got %v", err)
	}
	if err := limiter.Allow(1, ClassMutation); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected 4th call of fresh window to be rejected, got %v", err)
	}
}

func TestRejectionsDoNotExtendThePenalty(t *testing.T) {
	clock := newFakeClock()
	limiter := New(time.Minute, Ceilings{ClassMutation: 1}, WithClock(clock.Now))

	if err := limiter.Allow(1, ClassMutation); err != nil {
		t.Fatalf("first call should be admitted, got %v", err)
	}

	clock.Advance(50 * time.Second)
	if err := limiter.Allow(1, ClassMutation); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected rejection within window, got %v", err)
	}

	// 10s later the original window has elapsed; the rejection above must
	// not have restarted it
	clock.Advance(10 * time.Second)
	if err := limiter.Allow(1, ClassMutation); err != nil {
		t.Fatalf("expected admission after original window elapsed, got %v", err)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	limiter := New(time.Minute, Ceilings{ClassMutation: 1, ClassSearch: 2}, WithClock(clock.Now))

	_ = limiter.Allow(1, ClassMutation)
	if err := limiter.Allow(1, ClassMutation); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected mutation ceiling hit, got %v", err)
	}

	if err := limiter.Allow(1, ClassSearch); err != nil {
		t.Fatalf("expected search class unaffected by mutation ceiling, got %v", err)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	clock := newFakeClock()
	limiter := New(time.Minute, Ceilings{ClassMutation: 1}, WithClock(clock.Now))

	_ = limiter.Allow(1, ClassMutation)
	if err := limiter.Allow(2, ClassMutation); err != nil {
		t.Fatalf("expected second user unaffected, got %v", err)
	}
}

func TestUnlimitedClassAlwaysAdmits(t *testing.T) {
	clock := newFakeClock()
	limiter := New(time.Minute, Ceilings{ClassMutation: 1}, WithClock(clock.Now))

	for i := 0; i < 100; i++ {
		if err := limiter.Allow(1, ClassImport); err != nil {
			t.Fatalf("expected class without ceiling to admit, got %v", err)
		}
	}
}

func TestSetWindowAppliesToNewWindows(t *testing.T) {
	clock := newFakeClock()
	limiter := New(time.Minute, Ceilings{ClassMutation: 1}, WithClock(clock.Now))

	_ = limiter.Allow(1, ClassMutation)

	limiter.SetWindow(5 * time.Minute)
	if limiter.Window() != 5*time.Minute {
		t.Fatalf("expected window to be updated, got %v", limiter.Window())
	}

	// in-flight window keeps its original minute interval
	clock.Advance(time.Minute)
	if err := limiter.Allow(1, ClassMutation); err != nil {
		t.Fatalf("expected in-flight window to elapse on old interval, got %v", err)
	}

	// the window just opened runs under the new 5 minute interval
	clock.Advance(2 * time.Minute)
	if err := limiter.Allow(1, ClassMutation); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected new window to still be live after 2m, got %v", err)
	}
}

func TestSetWindowIgnoresNonPositive(t *testing.T) {
	limiter := New(time.Minute, nil)
	limiter.SetWindow(0)
	limiter.SetWindow(-time.Second)

	if limiter.Window() != time.Minute {
		t.Fatalf("expected window unchanged, got %v", limiter.Window())
	}
}

func TestConcurrentAttemptsNeverOveradmit(t *testing.T) {
	clock := newFakeClock()
	const ceiling = 10
	limiter := New(time.Minute, Ceilings{ClassMutation: ceiling}, WithClock(clock.Now))

	const attempts = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Allow(7, ClassMutation); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != ceiling {
		t.Fatalf("expected exactly %d admissions under concurrency, got %d", ceiling, admitted)
	}
}
