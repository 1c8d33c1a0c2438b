package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

func testLimits() Limits {
	return Limits{
		"A": {gateway.TierAnonymous: 2, gateway.TierFree: 20, gateway.TierPro: 200, gateway.TierEnterprise: 500},
		"D": {gateway.TierEnterprise: 100},
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	t.Parallel()
	l := New(NewMemoryWindow(), testLimits(), time.Hour)
	ctx := context.Background()

	r := l.Check(ctx, ClassChat, gateway.TierAnonymous, "ip1")
	if !r.Allowed || r.Limit != 2 || r.Remaining != 1 {
		t.Errorf("first check = %+v", r)
	}
	r = l.Check(ctx, ClassChat, gateway.TierAnonymous, "ip1")
	if !r.Allowed || r.Remaining != 0 {
		t.Errorf("second check = %+v", r)
	}
}

func TestCheckRejectsOverLimit(t *testing.T) {
	t.Parallel()
	l := New(NewMemoryWindow(), testLimits(), time.Hour)
	ctx := context.Background()

	l.Check(ctx, ClassChat, gateway.TierAnonymous, "ip1")
	l.Check(ctx, ClassChat, gateway.TierAnonymous, "ip1")
	r := l.Check(ctx, ClassChat, gateway.TierAnonymous, "ip1")
	if r.Allowed {
		t.Fatalf("third check allowed: %+v", r)
	}
	if r.RetryAfter <= 0 || r.RetryAfter > time.Hour {
		t.Errorf("retry after = %v", r.RetryAfter)
	}
	if r.Reset.Before(time.Now()) {
		t.Errorf("reset in the past: %v", r.Reset)
	}

	// Rejected requests release their slot: after the window slides the
	// count reflects only admitted events. Distinct subjects stay isolated.
	other := l.Check(ctx, ClassChat, gateway.TierAnonymous, "ip2")
	if !other.Allowed {
		t.Errorf("other subject blocked: %+v", other)
	}
}

func TestCheckZeroBudgetDenies(t *testing.T) {
	t.Parallel()
	l := New(NewMemoryWindow(), testLimits(), time.Hour)

	r := l.Check(context.Background(), ClassAdmin, gateway.TierPro, "u1")
	if r.Allowed || r.Limit != 0 {
		t.Errorf("admin class for pro = %+v", r)
	}
	r = l.Check(context.Background(), ClassAdmin, gateway.TierEnterprise, "u1")
	if !r.Allowed {
		t.Errorf("admin class for enterprise = %+v", r)
	}
}

type brokenWindow struct{}

func (brokenWindow) Take(context.Context, string, time.Duration, int64) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("backend down")
}

func TestCheckFailsOpenOnBackendError(t *testing.T) {
	t.Parallel()
	l := New(brokenWindow{}, testLimits(), time.Hour)

	r := l.Check(context.Background(), ClassChat, gateway.TierFree, "u1")
	if !r.Allowed || !r.Degraded {
		t.Errorf("degraded check = %+v", r)
	}
}

func TestMemoryWindowSlides(t *testing.T) {
	t.Parallel()
	w := NewMemoryWindow()
	ctx := context.Background()

	// Tiny window so entries age out inside the test.
	for range 2 {
		if count, _, err := w.Take(ctx, "k", 50*time.Millisecond, 2); err != nil || count > 2 {
			t.Fatalf("take: count=%d err=%v", count, err)
		}
	}
	if count, _, _ := w.Take(ctx, "k", 50*time.Millisecond, 2); count <= 2 {
		t.Fatalf("over-limit count = %d", count)
	}

	time.Sleep(60 * time.Millisecond)
	count, _, err := w.Take(ctx, "k", 50*time.Millisecond, 2)
	if err != nil || count != 1 {
		t.Errorf("post-expiry count = %d err = %v", count, err)
	}
}
