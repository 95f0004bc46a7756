package capability

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// TestRedisQuotaStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisQuotaStore_Integration(t *testing.T) {
	store := NewRedisQuotaStore("localhost:6379", "", 0)
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := fmt.Sprintf("quota-test-%d", time.Now().UnixNano())
	now := time.Now()

	// 1. Two allowed in the window
	for i := 0; i < 2; i++ {
		ok, err := store.Allow(ctx, key, 2, time.Second, now)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !ok {
			t.Errorf("Expected allowed=true within quota, call %d", i+1)
		}
	}

	// 2. Third exceeds the quota
	ok, err := store.Allow(ctx, key, 2, time.Second, now)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok {
		t.Errorf("Expected allowed=false over quota")
	}

	// 3. Window expiry resets the counter
	time.Sleep(1100 * time.Millisecond)
	ok, err = store.Allow(ctx, key, 2, time.Second, now)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ok {
		t.Errorf("Expected allowed=true after window reset")
	}
}
