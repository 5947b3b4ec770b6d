package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/ritual/internal/intention"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser inserts a user with a predictable ID derived from email.
func createTestUser(t *testing.T, s *Store, email string) User {
	t.Helper()
	u, err := s.EnsureUser(context.Background(), email, "user-"+email, testTime)
	if err != nil {
		t.Fatalf("EnsureUser() failed: %v", err)
	}
	return u
}

// createTestIntention builds a row for userID at testTime plus offset.
func createTestIntention(id, userID, text string, kind intention.Kind, offset time.Duration) IntentionRow {
	return IntentionRow{
		ID:        id,
		UserID:    userID,
		Text:      text,
		Kind:      kind,
		CreatedAt: testTime.Add(offset),
	}
}

var testTime = time.Date(2025, 7, 24, 9, 0, 0, 0, time.UTC)
