package gateway

import (
	"context"
	"testing"
	"time"
)

func TestLimiterBurstThenThrottles(t *testing.T) {
	l := NewTokenBucketLimiter(100, 2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Errorf("burst calls blocked for %v", elapsed)
	}

	// 桶空后第三个令牌要等 ~10ms 补充
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 8*time.Millisecond {
		t.Errorf("third call returned after %v, want throttling", elapsed)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewTokenBucketLimiter(0.1, 1) // 10s 一个令牌
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := l.Wait(ctx)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("cancelled Wait took %v", elapsed)
	}
}
