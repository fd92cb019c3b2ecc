package realtime

import (
	"errors"
	"sync"
	"testing"
)

func TestRegistryInsertAndRemove(t *testing.T) {
	r := NewRegistry()
	uk := UserKey("acme", "alice")
	sk := SessionKey(uk, "s1")

	sess, err := r.TryInsert("acme", uk, sk, 8, 10)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if sess.CreatedSeq == 0 {
		t.Fatal("created_seq must be assigned")
	}
	if got, ok := r.Get(sk); !ok || got != sess {
		t.Fatal("Get should return the inserted session")
	}
	if r.CountUser(uk) != 1 || r.CountTenant("acme") != 1 {
		t.Fatalf("counts = user %d tenant %d", r.CountUser(uk), r.CountTenant("acme"))
	}

	r.Remove(sk)
	if _, ok := r.Get(sk); ok {
		t.Fatal("session should be gone")
	}
	if r.CountTenant("acme") != 0 {
		t.Fatalf("tenant count = %d, want 0", r.CountTenant("acme"))
	}
	// Removing again must not double-decrement.
	r.Remove(sk)
	if r.CountTenant("acme") != 0 {
		t.Fatalf("tenant count after double remove = %d", r.CountTenant("acme"))
	}
}

func TestRegistryDuplicateSessionKey(t *testing.T) {
	r := NewRegistry()
	uk := UserKey("acme", "alice")
	sk := SessionKey(uk, "s1")
	if _, err := r.TryInsert("acme", uk, sk, 8, 10); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.TryInsert("acme", uk, sk, 8, 10); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("err = %v, want ErrSessionExists", err)
	}
	// The failed insert must have reverted its counter increment.
	if r.CountTenant("acme") != 1 {
		t.Fatalf("tenant count = %d, want 1", r.CountTenant("acme"))
	}
}

func TestRegistryTenantCap(t *testing.T) {
	r := NewRegistry()
	uk := UserKey("acme", "alice")
	for i := 0; i < 2; i++ {
		sk := SessionKey(uk, string(rune('a'+i)))
		if _, err := r.TryInsert("acme", uk, sk, 8, 2); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if _, err := r.TryInsert("acme", uk, SessionKey(uk, "c"), 8, 2); !errors.Is(err, ErrTenantFull) {
		t.Fatalf("err = %v, want ErrTenantFull", err)
	}
	if r.CountTenant("acme") != 2 {
		t.Fatalf("overshoot not reverted: count = %d", r.CountTenant("acme"))
	}
	// Other tenants are unaffected.
	if _, err := r.TryInsert("other", UserKey("other", "bob"), SessionKey(UserKey("other", "bob"), "s"), 8, 2); err != nil {
		t.Fatalf("other tenant insert: %v", err)
	}
}

func TestRegistryOldestOfUser(t *testing.T) {
	r := NewRegistry()
	uk := UserKey("acme", "alice")
	first, _ := r.TryInsert("acme", uk, SessionKey(uk, "s1"), 8, 10)
	r.TryInsert("acme", uk, SessionKey(uk, "s2"), 8, 10)
	r.TryInsert("acme", uk, SessionKey(uk, "s3"), 8, 10)

	if got := r.OldestOfUser(uk); got != first {
		t.Fatalf("oldest = %v, want first inserted", got.SessionKey)
	}
	r.Remove(first.SessionKey)
	if got := r.OldestOfUser(uk); got == nil || got.SessionKey != SessionKey(uk, "s2") {
		t.Fatalf("oldest after removal = %+v", got)
	}
	if r.OldestOfUser("acme::nobody") != nil {
		t.Fatal("unknown user should yield nil")
	}
}

func TestRegistryCounterConvergesUnderContention(t *testing.T) {
	r := NewRegistry()
	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			uk := UserKey("acme", string(rune('a'+w)))
			for i := 0; i < perWorker; i++ {
				sk := SessionKey(uk, string(rune('a'+i)))
				if _, err := r.TryInsert("acme", uk, sk, 1, 0); err == nil {
					r.Remove(sk)
				}
			}
		}(w)
	}
	wg.Wait()
	if got := r.CountTenant("acme"); got != 0 {
		t.Fatalf("counter did not converge: %d", got)
	}
	if r.CountAll() != 0 {
		t.Fatalf("sessions leaked: %d", r.CountAll())
	}
}
