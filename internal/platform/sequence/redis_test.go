package sequence

import (
	"context"
	"errors"
	"testing"

	goredis "github.com/redis/go-redis/v9"
)

// fakeRedis implements INCR over a map; every other command panics through
// the nil embedded interface.
type fakeRedis struct {
	goredis.Cmdable
	values map[string]int64
	err    error
}

func (f *fakeRedis) Incr(_ context.Context, key string) *goredis.IntCmd {
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	f.values[key]++
	return goredis.NewIntResult(f.values[key], nil)
}

func TestRedisCounter_Next(t *testing.T) {
	fake := &fakeRedis{values: map[string]int64{}}
	c := NewRedisCounter(fake)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Next(ctx, "acme", PrefixOrder, 2026)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}

	// Scopes, prefixes and years are independent keys.
	if got, _ := c.Next(ctx, "other", PrefixOrder, 2026); got != 1 {
		t.Errorf("expected a fresh sequence for another scope, got %d", got)
	}
	if got, _ := c.Next(ctx, "acme", PrefixSample, 2026); got != 1 {
		t.Errorf("expected a fresh sequence for another prefix, got %d", got)
	}
	if got, _ := c.Next(ctx, "acme", PrefixOrder, 2027); got != 1 {
		t.Errorf("expected a fresh sequence for another year, got %d", got)
	}
}

func TestRedisCounter_WrapsError(t *testing.T) {
	boom := errors.New("connection refused")
	c := NewRedisCounter(&fakeRedis{values: map[string]int64{}, err: boom})

	if _, err := c.Next(context.Background(), "acme", PrefixOrder, 2026); !errors.Is(err, boom) {
		t.Errorf("expected wrapped redis error, got %v", err)
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "not-a-redis-url"); err == nil {
		t.Error("expected an error for an invalid URL")
	}
}
