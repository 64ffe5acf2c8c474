// Package clock provides the injectable time and randomness sources used by
// the campaign engine so scheduling and A/B assignment are deterministic in
// tests.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock, in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed is a manually driven clock. Safe for concurrent use.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed returns a clock frozen at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// RNG picks one of a set of options uniformly.
type RNG interface {
	Pick(options []string) string
}

// SeededRNG is a math/rand backed RNG. Safe for concurrent use.
type SeededRNG struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSeededRNG returns an RNG with a fixed seed.
func NewSeededRNG(seed int64) *SeededRNG {
	return &SeededRNG{r: rand.New(rand.NewSource(seed))}
}

// NewRNG returns an RNG seeded from the current time.
func NewRNG() *SeededRNG {
	return NewSeededRNG(time.Now().UnixNano())
}

// Pick returns a uniformly chosen element, or "" for an empty set.
func (s *SeededRNG) Pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	s.mu.Lock()
	i := s.r.Intn(len(options))
	s.mu.Unlock()
	return options[i]
}

// Sequence returns its options in a fixed cycle. Used to force A/B groups.
type Sequence struct {
	mu     sync.Mutex
	values []string
	next   int
}

// NewSequence returns an RNG that yields values in order, wrapping around.
func NewSequence(values ...string) *Sequence {
	return &Sequence{values: values}
}

func (s *Sequence) Pick(options []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		if len(options) == 0 {
			return ""
		}
		return options[0]
	}
	v := s.values[s.next%len(s.values)]
	s.next++
	return v
}
