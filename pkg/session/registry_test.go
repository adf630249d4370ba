package session

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestResolveCreatesOnce(t *testing.T) {
	r := NewRegistry()

	tok1, created := r.Resolve("user-1")
	if !created {
		t.Error("first Resolve should create")
	}
	if _, err := uuid.Parse(tok1); err != nil {
		t.Errorf("token %q is not a UUID: %v", tok1, err)
	}

	tok2, created := r.Resolve("user-1")
	if created {
		t.Error("second Resolve should not create")
	}
	if tok1 != tok2 {
		t.Errorf("tokens differ: %q vs %q", tok1, tok2)
	}

	tok3, _ := r.Resolve("user-2")
	if tok3 == tok1 {
		t.Error("distinct users share a token")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestResolveAnonymousIsNotRemembered(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Resolve("")
	b, _ := r.Resolve("")
	if a == b {
		t.Error("anonymous callers share a token")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestLookup(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("u"); ok {
		t.Error("Lookup of unknown user succeeded")
	}
	tok, _ := r.Resolve("u")
	got, ok := r.Lookup("u")
	if !ok || got != tok {
		t.Errorf("Lookup = %q,%v want %q,true", got, ok, tok)
	}
}

func TestExpire(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	oldTok, _ := r.Resolve("old")
	clock = base.Add(20 * time.Minute)
	r.Resolve("fresh")

	if got := r.Expire(clock, 0); got != nil {
		t.Errorf("ttl=0 expired %v", got)
	}

	expired := r.Expire(clock, 10*time.Minute)
	if len(expired) != 1 || expired[0] != oldTok {
		t.Errorf("expired = %v, want [%s]", expired, oldTok)
	}
	if _, ok := r.Lookup("old"); ok {
		t.Error("expired user still present")
	}
	if _, ok := r.Lookup("fresh"); !ok {
		t.Error("fresh user was expired")
	}

	// A returning user gets a new token.
	newTok, created := r.Resolve("old")
	if !created || newTok == oldTok {
		t.Errorf("Resolve after expiry = %q,%v", newTok, created)
	}
}

func TestListOrder(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	r.Resolve("a")
	clock = base.Add(time.Minute)
	r.Resolve("b")

	list := r.List()
	if len(list) != 2 || list[0].UserID != "b" || list[1].UserID != "a" {
		t.Errorf("List order = %+v", list)
	}
}

func TestResolveConcurrent(t *testing.T) {
	r := NewRegistry()
	tokens := make([]string, 32)
	var wg sync.WaitGroup
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _ = r.Resolve("shared")
		}(i)
	}
	wg.Wait()
	for _, tok := range tokens[1:] {
		if tok != tokens[0] {
			t.Fatalf("concurrent Resolve produced different tokens: %q vs %q", tok, tokens[0])
		}
	}
}
