package limiter

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sweetpotato0/ai-relay/middleware"
	"github.com/sweetpotato0/ai-relay/provider"
)

func TestLocal(t *testing.T) {
	t.Run("allows bursts within limit", func(t *testing.T) {
		l := NewLocal(2, time.Minute)
		if !l.Allow() || !l.Allow() {
			t.Fatal("first two calls should be admitted")
		}
		if l.Allow() {
			t.Error("third call should be refused")
		}
	})

	t.Run("wait honours context deadline", func(t *testing.T) {
		l := NewLocal(1, time.Hour)
		_ = l.Allow()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := l.Wait(ctx)
		if !errors.Is(err, middleware.ErrRateLimitExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected limit or deadline error, got %v", err)
		}
	})

	t.Run("wait refills", func(t *testing.T) {
		l := NewLocal(10, 100*time.Millisecond)
		start := time.Now()
		for i := 0; i < 11; i++ {
			if err := l.Wait(context.Background()); err != nil {
				t.Fatalf("wait %d failed: %v", i, err)
			}
		}
		if time.Since(start) < 5*time.Millisecond {
			t.Error("eleventh call should have waited for a refill")
		}
	})

	t.Run("disabled limiter never blocks", func(t *testing.T) {
		l := NewLocal(0, time.Second)
		for i := 0; i < 100; i++ {
			if !l.Allow() {
				t.Fatal("disabled limiter refused a call")
			}
		}
	})

	t.Run("concurrent use", func(t *testing.T) {
		l := NewLocal(50, time.Hour)
		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Allow() {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if admitted != 50 {
			t.Errorf("admitted %d calls, want 50", admitted)
		}
	})
}

func TestRateLimiterMiddleware(t *testing.T) {
	l := NewLocal(1, time.Hour)
	m := NewRateLimiter(l)
	ctx := middleware.NewContext(context.Background(), middleware.OpChat, nil, nil, provider.Settings{})

	calls := 0
	next := func(*middleware.Context) error { calls++; return nil }
	if err := m.Execute(ctx, next); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ctx = middleware.NewContext(short, middleware.OpChat, nil, nil, provider.Settings{})
	if err := m.Execute(ctx, next); err == nil {
		t.Error("second call should not get a slot")
	}
	if calls != 1 {
		t.Errorf("next called %d times, want 1", calls)
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	key := "ai-relay:test:" + uuid.NewString()
	defer client.Del(context.Background(), key)

	l := NewRedis(client, key, 2, 300*time.Millisecond)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("wait %d failed: %v", i, err)
		}
	}
	if time.Since(start) < 250*time.Millisecond {
		t.Error("third call should wait for the window to slide")
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_ = l.Wait(ctx)
	if err := l.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
