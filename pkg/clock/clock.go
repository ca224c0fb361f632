// Package clock abstracts wall-clock time so the control plane can be
// driven deterministically in tests. All timestamps handed to the data
// model are UTC RFC 3339 strings; their ordering is lexicographic.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a test clock pinned to an instant until advanced.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed creates a Fixed clock at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// AdvanceSeconds moves the clock forward by n seconds.
func (f *Fixed) AdvanceSeconds(n int64) {
	f.Advance(time.Duration(n) * time.Second)
}

// Set pins the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// ISO formats t as the canonical UTC RFC 3339 string used across the
// snapshot. Sub-second precision is dropped so string ordering matches
// chronological ordering.
func ISO(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseISO parses a canonical RFC 3339 string. The zero time is returned
// for empty or unparseable input.
func ParseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
