// ABOUTME: Tests for AuthContext propagation through context.Context
// ABOUTME: Covers WithAuth/FromContext round trips and admin role checks

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_FromContext_RoundTrip(t *testing.T) {
	authCtx := &AuthContext{
		UserID:   "user-123",
		Username: "alice",
		Role:     "user",
	}

	ctx := WithAuth(context.Background(), authCtx)
	got := FromContext(ctx)

	if got == nil {
		t.Fatal("FromContext() returned nil")
	}
	if got.UserID != "user-123" {
		t.Errorf("UserID = %q, want %q", got.UserID, "user-123")
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, want %q", got.Username, "alice")
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_PanicsWhenMissing(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() should panic without auth in context")
		}
	}()
	MustFromContext(context.Background())
}

func TestIsAdmin(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{"admin", true},
		{"user", false},
		{"", false},
	}

	for _, tt := range tests {
		a := &AuthContext{Role: tt.role}
		if got := a.IsAdmin(); got != tt.want {
			t.Errorf("IsAdmin() with role %q = %v, want %v", tt.role, got, tt.want)
		}
	}
}
