package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"elspot-advisor/internal/config"
)

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.InsertCycle(ctx, CycleRecord{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("insert: expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.ListRecentCycles(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("list: expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("lock: expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.DeleteCyclesBefore(ctx, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("delete: expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewPool(context.Background(), config.DatabaseConfig{DSN: "://bad"}); err == nil {
		t.Fatal("malformed dsn should fail")
	}
}
