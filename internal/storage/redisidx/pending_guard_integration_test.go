package redisidx

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func openGuardForIntegrationTest(t *testing.T) *PendingGuard {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("PURCHASE_REDIS_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}

	client, err := NewClient(addr, "", 0)
	if err != nil {
		t.Skipf("skipping redis integration test: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	return NewPendingGuard(client)
}

func TestPendingGuard_AcquireRelease(t *testing.T) {
	guard := openGuardForIntegrationTest(t)
	ctx := context.Background()

	userID := "guard-user-" + time.Now().UTC().Format("150405.000000000")

	acquired, err := guard.Acquire(ctx, userID, []string{"course-go"}, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected first acquire to succeed")
	}

	// Пересечение хотя бы по одной позиции блокирует весь набор...
	acquired, err = guard.Acquire(ctx, userID, []string{"course-go", "course-sql"}, time.Minute)
	if err != nil {
		t.Fatalf("overlapping acquire: %v", err)
	}
	if acquired {
		t.Fatal("expected overlapping acquire to be rejected while an item is held")
	}

	// ...а частичный захват откатывается: непересекающаяся позиция свободна.
	acquired, err = guard.Acquire(ctx, userID, []string{"course-sql"}, time.Minute)
	if err != nil {
		t.Fatalf("acquire other items: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquire for disjoint item to succeed")
	}

	if err := guard.Release(ctx, userID, []string{"course-go"}); err != nil {
		t.Fatalf("release: %v", err)
	}

	acquired, err = guard.Acquire(ctx, userID, []string{"course-go"}, time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquire after release to succeed")
	}

	_ = guard.Release(ctx, userID, []string{"course-go", "course-sql"})
}

func TestPendingGuard_TTLExpiry(t *testing.T) {
	guard := openGuardForIntegrationTest(t)
	ctx := context.Background()

	userID := "guard-ttl-" + time.Now().UTC().Format("150405.000000000")

	acquired, err := guard.Acquire(ctx, userID, []string{"course-go"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquire to succeed")
	}

	time.Sleep(200 * time.Millisecond)

	acquired, err = guard.Acquire(ctx, userID, []string{"course-go"}, time.Minute)
	if err != nil {
		t.Fatalf("acquire after ttl: %v", err)
	}
	if !acquired {
		t.Fatal("expected key to expire after ttl")
	}

	_ = guard.Release(ctx, userID, []string{"course-go"})
}
