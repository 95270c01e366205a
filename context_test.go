package activity

import (
	"context"
	"sync"
	"testing"
)

func TestScopeSetAndAccessors(t *testing.T) {
	ac := NewScope()
	ac.Set(KeyUserID, "u1")
	ac.Set(KeyRequestID, "r1")
	ac.Set(KeyIP, "10.0.0.1")
	ac.Set(KeyUserAgent, "test-agent")
	ac.Set(KeySessionID, "s1")
	ac.Set("tenant", "acme")

	if ac.UserID() != "u1" {
		t.Errorf("Expected user id u1, got %q", ac.UserID())
	}
	if ac.RequestID() != "r1" {
		t.Errorf("Expected request id r1, got %q", ac.RequestID())
	}
	if ac.IP() != "10.0.0.1" {
		t.Errorf("Expected ip 10.0.0.1, got %q", ac.IP())
	}
	if ac.UserAgent() != "test-agent" {
		t.Errorf("Expected user agent test-agent, got %q", ac.UserAgent())
	}
	if ac.SessionID() != "s1" {
		t.Errorf("Expected session id s1, got %q", ac.SessionID())
	}
	if v, ok := ac.Value("tenant"); !ok || v != "acme" {
		t.Errorf("Expected extension value acme, got %v (present=%v)", v, ok)
	}
}

func TestNilScopeAccessorsAreSafe(t *testing.T) {
	var ac *Context
	if ac.UserID() != "" || ac.RequestID() != "" || ac.IP() != "" || ac.UserAgent() != "" || ac.SessionID() != "" {
		t.Error("Expected empty strings from nil scope accessors")
	}
	if FromContext(context.Background()) != nil {
		t.Error("Expected nil scope from bare context")
	}
	if FromContext(nil) != nil {
		t.Error("Expected nil scope from nil context")
	}
}

func TestRunInstallsAndEndsScope(t *testing.T) {
	ac := NewScope()
	ac.Set(KeyUserID, "runner")

	err := Run(context.Background(), ac, func(ctx context.Context) error {
		if got := FromContext(ctx).UserID(); got != "runner" {
			t.Errorf("Expected scope user runner inside Run, got %q", got)
		}
		Set(ctx, KeyRequestID, "late")
		return nil
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !ac.Ended() {
		t.Error("Expected scope to be ended after Run returns")
	}
	if ac.RequestID() != "late" {
		t.Errorf("Expected value set during Run to persist, got %q", ac.RequestID())
	}
	// Ended scope discards further writes.
	ac.Set(KeyUserID, "other")
	if ac.UserID() != "runner" {
		t.Errorf("Expected ended scope to keep user runner, got %q", ac.UserID())
	}
}

func TestNestedScopesShadow(t *testing.T) {
	outer := NewScope()
	outer.Set(KeyUserID, "outer")
	inner := NewScope()
	inner.Set(KeyUserID, "inner")

	_ = Run(context.Background(), outer, func(ctx context.Context) error {
		_ = Run(ctx, inner, func(ctx context.Context) error {
			if got := FromContext(ctx).UserID(); got != "inner" {
				t.Errorf("Expected inner scope to shadow, got %q", got)
			}
			return nil
		})
		if got := FromContext(ctx).UserID(); got != "outer" {
			t.Errorf("Expected outer scope restored, got %q", got)
		}
		return nil
	})
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ac := NewScope()
			id := string(rune('a' + n%26))
			ac.Set(KeyUserID, id)
			_ = Run(context.Background(), ac, func(ctx context.Context) error {
				if got := FromContext(ctx).UserID(); got != id {
					t.Errorf("Scope leak: expected %q, got %q", id, got)
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
}

func TestClearEmptiesScope(t *testing.T) {
	ac := NewScope()
	ac.Set(KeyUserID, "u1")
	ac.Set("extra", 42)
	ac.Clear()

	if ac.UserID() != "" {
		t.Errorf("Expected cleared user id, got %q", ac.UserID())
	}
	if _, ok := ac.Value("extra"); ok {
		t.Error("Expected extension values to be cleared")
	}
	if !ac.Ended() {
		t.Error("Expected cleared scope to be ended")
	}
	ac.Set(KeyUserID, "u2")
	if ac.UserID() != "" {
		t.Error("Expected writes after Clear to be discarded")
	}
}
