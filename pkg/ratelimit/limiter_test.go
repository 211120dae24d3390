package ratelimit

import (
	"testing"
	"time"
)

func TestInMemoryEnforcesLimit(t *testing.T) {
	t.Parallel()
	lim := NewInMemory(time.Minute)

	for i := 1; i <= 3; i++ {
		d := lim.Allow("login:203.0.113.9", 3)
		if !d.Allowed {
			t.Fatalf("attempt %d denied, want allowed", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("attempt %d remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}
	d := lim.Allow("login:203.0.113.9", 3)
	if d.Allowed {
		t.Fatal("fourth attempt allowed, want denied")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
	if d.ResetAt.Before(time.Now().UTC()) {
		t.Error("ResetAt should lie in the future")
	}
}

func TestInMemoryKeysAreIndependent(t *testing.T) {
	t.Parallel()
	lim := NewInMemory(time.Minute)
	lim.Allow("verify:7:email", 1)
	if d := lim.Allow("verify:7:email", 1); d.Allowed {
		t.Fatal("second code request should be denied")
	}
	if d := lim.Allow("verify:8:email", 1); !d.Allowed {
		t.Fatal("a different account must not share the window")
	}
}

func TestInMemoryWindowExpires(t *testing.T) {
	t.Parallel()
	lim := NewInMemory(30 * time.Millisecond)
	lim.Allow("login:198.51.100.4", 1)
	if d := lim.Allow("login:198.51.100.4", 1); d.Allowed {
		t.Fatal("window still open, want denied")
	}
	time.Sleep(50 * time.Millisecond)
	if d := lim.Allow("login:198.51.100.4", 1); !d.Allowed {
		t.Fatal("expired window should reset the count")
	}
}

func TestInMemoryDefaults(t *testing.T) {
	t.Parallel()
	lim := NewInMemory(0)
	if lim.window != time.Minute {
		t.Fatalf("default window = %v, want 1m", lim.window)
	}
	// A non-positive limit still admits exactly one request.
	if d := lim.Allow("k", 0); !d.Allowed || d.Limit != 1 {
		t.Fatalf("decision = %+v, want one allowed with limit 1", d)
	}
	if d := lim.Allow("k", 0); d.Allowed {
		t.Fatal("second request under a zero limit should be denied")
	}
}
