// Package ratelimit bounds per-user command issuance with fixed windows
// counted independently per command class.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"object_registry_bot/internal/domain"
)

// Class identifies a group of commands sharing one rate ceiling.
type Class string

const (
	// ClassMutation covers registry and roster mutations.
	ClassMutation Class = "mutation"
	// ClassSearch covers object search.
	ClassSearch Class = "search"
	// ClassImport covers spreadsheet imports.
	ClassImport Class = "import"
	// ClassMaterials covers materials request submissions.
	ClassMaterials Class = "materials"
)

// Ceilings maps each class to the number of calls admitted per window.
type Ceilings map[Class]int

type key struct {
	userID int64
	class  Class
}

// A window keeps the interval it was opened under; /time changes apply to
// windows opened afterwards.
type window struct {
	started  time.Time
	interval time.Duration
	count    int
}

// Limiter is an in-memory fixed-window counter keyed by (user, class). State
// is ephemeral and rebuilt from zero on restart. A single mutex makes the
// check-and-increment atomic, so two concurrent calls can never both be
// admitted past the ceiling.
type Limiter struct {
	mu       sync.Mutex
	windows  map[key]*window
	interval time.Duration
	ceilings Ceilings
	now      func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects a deterministic time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New constructs a Limiter with the given window length and per-class
// ceilings. A class without a ceiling is unlimited.
func New(interval time.Duration, ceilings Ceilings, opts ...Option) *Limiter {
	l := &Limiter{
		windows:  make(map[key]*window),
		interval: interval,
		ceilings: ceilings,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Allow admits or rejects one command attempt. A fresh or elapsed window
// starts with count=1 and admits. Within a live window the count increments;
// past the ceiling the attempt is rejected and the window is NOT reset, so
// rejections never extend the penalty.
func (l *Limiter) Allow(userID int64, class Class) error {
	ceiling, limited := l.ceilingFor(class)
	if !limited {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key{userID: userID, class: class}

	w, ok := l.windows[k]
	if !ok || now.Sub(w.started) >= w.interval {
		l.windows[k] = &window{started: now, interval: l.interval, count: 1}
		return nil
	}

	w.count++
	if w.count > ceiling {
		return fmt.Errorf("user %d exceeded %s ceiling %d: %w", userID, class, ceiling, domain.ErrRateLimitExceeded)
	}

	return nil
}

// SetWindow changes the window length for windows opened after the call.
func (l *Limiter) SetWindow(interval time.Duration) {
	if interval <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = interval
}

// Window returns the current window length.
func (l *Limiter) Window() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

func (l *Limiter) ceilingFor(class Class) (int, bool) {
	ceiling, ok := l.ceilings[class]
	if !ok || ceiling <= 0 {
		return 0, false
	}
	return ceiling, true
}
