// Package sequence produces human-readable display numbers for orders,
// samples and discharge summaries. Display numbers are a reference
// convenience; entity ids remain the primary key.
//
// Numbers have the form <PREFIX><YY><NNNNNN> and are drawn from a counter
// that is monotonic per scope (organization), prefix and year.
package sequence

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	PrefixOrder   = "LAB"
	PrefixSample  = "SMP"
	PrefixSummary = "DS"
)

// Width is the zero-padded width of the numeric part.
const Width = 6

// Counter hands out the next value of a named sequence.
type Counter interface {
	Next(ctx context.Context, scope, prefix string, year int) (int64, error)
}

// Generator formats counter values into display numbers.
type Generator struct {
	counter Counter
	now     func() time.Time
}

func NewGenerator(c Counter) *Generator {
	return &Generator{counter: c, now: time.Now}
}

// Next returns the next display number for prefix within scope.
func (g *Generator) Next(ctx context.Context, scope, prefix string) (string, error) {
	now := g.now()
	n, err := g.counter.Next(ctx, scope, prefix, now.Year())
	if err != nil {
		return "", fmt.Errorf("next %s number: %w", prefix, err)
	}
	return Format(prefix, now, n), nil
}

// Format renders a display number. Values wider than Width are not
// truncated.
func Format(prefix string, at time.Time, n int64) string {
	return fmt.Sprintf("%s%02d%0*d", prefix, at.Year()%100, Width, n)
}

// RandomCode is the fallback for callers without a counter. Codes are
// sampled, not assigned, so collisions are possible.
func RandomCode(prefix string, at time.Time) string {
	return Format(prefix, at, rand.Int63n(1_000_000))
}

// MemoryCounter keeps sequences in process memory. It is used in
// development and tests.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

func (m *MemoryCounter) Next(_ context.Context, scope, prefix string, year int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(scope, prefix, year)
	m.values[k]++
	return m.values[k], nil
}

func key(scope, prefix string, year int) string {
	return fmt.Sprintf("seq:%s:%s:%d", scope, prefix, year)
}
