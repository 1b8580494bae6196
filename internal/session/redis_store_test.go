package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	err := store.SaveSession(ctx, "token-hash", "user-123", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	userID, err := store.LookupSession(ctx, "token-hash")
	if err != nil {
		t.Fatalf("LookupSession failed: %v", err)
	}
	if userID != "user-123" {
		t.Errorf("expected user-123, got %s", userID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	err := store.SaveSession(ctx, "expired-token", "user-456", time.Now().Add(1*time.Millisecond))
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := store.LookupSession(ctx, "expired-token"); err == nil {
		t.Error("expected error for expired session, got nil")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	if _, err := store.LookupSession(context.Background(), "non-existent"); err == nil {
		t.Error("expected error for non-existent session, got nil")
	}
}

func TestRevokeSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveSession(ctx, "token-to-revoke", "user-789", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := store.RevokeSession(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}
	if _, err := store.LookupSession(ctx, "token-to-revoke"); err == nil {
		t.Error("expected error for revoked session, got nil")
	}
}

func TestSessionIsolation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := store.SaveSession(ctx, "token-1", "user-1", expiresAt); err != nil {
		t.Fatalf("SaveSession 1 failed: %v", err)
	}
	if err := store.SaveSession(ctx, "token-2", "user-2", expiresAt); err != nil {
		t.Fatalf("SaveSession 2 failed: %v", err)
	}

	if err := store.RevokeSession(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}

	if _, err := store.LookupSession(ctx, "token-1"); err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}

	userID, err := store.LookupSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if userID != "user-2" {
		t.Errorf("expected user-2 after revoke, got %s", userID)
	}
}
