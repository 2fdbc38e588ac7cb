package sequence

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		prefix string
		n      int64
		want   string
	}{
		{PrefixOrder, 1, "LAB26000001"},
		{PrefixSample, 42, "SMP26000042"},
		{PrefixSummary, 999999, "DS26999999"},
		{PrefixOrder, 1234567, "LAB261234567"},
	}
	for _, tt := range tests {
		if got := Format(tt.prefix, at, tt.n); got != tt.want {
			t.Errorf("Format(%q, %d) = %q, want %q", tt.prefix, tt.n, got, tt.want)
		}
	}
}

func TestRandomCode_Shape(t *testing.T) {
	at := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	re := regexp.MustCompile(`^SMP31\d{6}$`)
	for i := 0; i < 50; i++ {
		if code := RandomCode(PrefixSample, at); !re.MatchString(code) {
			t.Fatalf("RandomCode produced %q", code)
		}
	}
}

func TestMemoryCounter_MonotonicPerScope(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Next(ctx, "acme", PrefixOrder, 2026)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("Next = %d, want %d", got, want)
		}
	}

	// Different scope, prefix and year start fresh.
	for _, args := range []struct {
		scope, prefix string
		year          int
	}{
		{"other", PrefixOrder, 2026},
		{"acme", PrefixSample, 2026},
		{"acme", PrefixOrder, 2027},
	} {
		got, _ := c.Next(ctx, args.scope, args.prefix, args.year)
		if got != 1 {
			t.Errorf("Next(%v) = %d, want 1", args, got)
		}
	}
}

func TestMemoryCounter_ConcurrentUnique(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	const n = 200

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := c.Next(ctx, "acme", PrefixOrder, 2026)
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("expected %d distinct values, got %d", n, len(seen))
	}
}

type failingCounter struct{}

func (failingCounter) Next(context.Context, string, string, int) (int64, error) {
	return 0, errors.New("boom")
}

func TestGenerator_Next(t *testing.T) {
	g := NewGenerator(NewMemoryCounter())
	g.now = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }

	first, err := g.Next(context.Background(), "acme", PrefixOrder)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := g.Next(context.Background(), "acme", PrefixOrder)
	if first != "LAB26000001" || second != "LAB26000002" {
		t.Errorf("got %q, %q", first, second)
	}
}

func TestGenerator_PropagatesCounterError(t *testing.T) {
	g := NewGenerator(failingCounter{})
	if _, err := g.Next(context.Background(), "acme", PrefixSummary); err == nil {
		t.Fatal("expected error from failing counter")
	}
}
