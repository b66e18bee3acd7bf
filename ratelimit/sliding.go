package ratelimit

import "time"

// slidingWindow keeps the timestamps of recent admissions, pruned of entries
// older than the window. When full, the wait is the time until the oldest
// admission ages out.
type slidingWindow struct {
	max    int
	window time.Duration
	admits []time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{max: max, window: window}
}

func (s *slidingWindow) reserveAt(now time.Time) time.Duration {
	s.prune(now)
	if len(s.admits) >= s.max {
		return s.admits[0].Add(s.window).Sub(now)
	}
	s.admits = append(s.admits, now)
	return 0
}

func (s *slidingWindow) remainingAt(now time.Time) int {
	s.prune(now)
	return s.max - len(s.admits)
}

func (s *slidingWindow) capacity() int { return s.max }

// prune drops admissions that have left the trailing window. The slice stays
// ordered, so the first kept entry is always the oldest.
func (s *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.admits) && !s.admits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.admits = append(s.admits[:0], s.admits[i:]...)
	}
}
