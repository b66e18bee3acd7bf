package ratelimit

import "time"

// fixedWindow counts admissions against a window that resets wholesale when
// its duration elapses. When full, the wait is the time until the window
// boundary. The cap applies per window, not per trailing interval: a burst
// just before the boundary plus a fresh window admits up to twice max across
// the boundary. Callers needing the strict trailing-interval bound use
// slidingWindow instead.
type fixedWindow struct {
	max         int
	window      time.Duration
	windowStart time.Time
	count       int
}

func newFixedWindow(max int, window time.Duration) *fixedWindow {
	return &fixedWindow{max: max, window: window}
}

func (f *fixedWindow) reserveAt(now time.Time) time.Duration {
	f.roll(now)
	if f.count >= f.max {
		return f.windowStart.Add(f.window).Sub(now)
	}
	f.count++
	return 0
}

func (f *fixedWindow) remainingAt(now time.Time) int {
	f.roll(now)
	return f.max - f.count
}

func (f *fixedWindow) capacity() int { return f.max }

// roll resets the window when it has elapsed (or on first use).
func (f *fixedWindow) roll(now time.Time) {
	if f.windowStart.IsZero() || now.Sub(f.windowStart) >= f.window {
		f.windowStart = now
		f.count = 0
	}
}
