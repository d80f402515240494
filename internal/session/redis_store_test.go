package session

import (
	"context"
	"errors"
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
	expiresAt := time.Now().Add(24 * time.Hour)

	err := store.SaveSession(ctx, "token-hash-1", Data{
		UserID:      "user-123",
		DisplayName: "Avery",
		Email:       "avery@example.com",
	}, expiresAt)
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	data, err := store.LookupSession(ctx, "token-hash-1")
	if err != nil {
		t.Fatalf("LookupSession failed: %v", err)
	}

	if data.UserID != "user-123" {
		t.Errorf("expected user ID user-123, got %s", data.UserID)
	}
	if data.Email != "avery@example.com" {
		t.Errorf("expected email avery@example.com, got %s", data.Email)
	}
	if data.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be populated")
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	expiresAt := time.Now().Add(1 * time.Millisecond)
	err := store.SaveSession(ctx, "expired-token", Data{UserID: "user-456"}, expiresAt)
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	// Fast-forward time in miniredis
	s.FastForward(2 * time.Millisecond)

	_, err = store.LookupSession(ctx, "expired-token")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	_, err := store.LookupSession(ctx, "non-existent-token")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	err := store.SaveSession(ctx, "token-to-revoke", Data{UserID: "user-789"}, expiresAt)
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if _, err := store.LookupSession(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	if err := store.RevokeSession(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}

	if _, err := store.LookupSession(ctx, "token-to-revoke"); err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}

func TestRevokeNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	// Revoking non-existent token should not error
	if err := store.RevokeSession(ctx, "non-existent-token"); err != nil {
		t.Errorf("RevokeSession for non-existent token failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := store.SaveSession(ctx, "token-1", Data{UserID: "user-1"}, expiresAt); err != nil {
		t.Fatalf("SaveSession 1 failed: %v", err)
	}
	if err := store.SaveSession(ctx, "token-2", Data{UserID: "user-2"}, expiresAt); err != nil {
		t.Fatalf("SaveSession 2 failed: %v", err)
	}

	if err := store.RevokeSession(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}

	if _, err := store.LookupSession(ctx, "token-1"); err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}

	data, err := store.LookupSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if data.UserID != "user-2" {
		t.Errorf("expected user-2 after revoke, got %s", data.UserID)
	}
}
