package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dapidd12/hexhs/internal/logging"
)

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	dir := t.TempDir()
	return NewSessionStore(dir, filepath.Join(dir, "auth"), logging.NewLogger())
}

func TestMembershipAddIsIdempotent(t *testing.T) {
	s := newTestSessionStore(t)

	added, err := s.Add("alice", "628001")
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = s.Add("alice", "628001")
	if err != nil || added {
		t.Fatalf("second add should be a no-op: added=%v err=%v", added, err)
	}

	numbers := s.Numbers("alice")
	if len(numbers) != 1 || numbers[0] != "628001" {
		t.Fatalf("expected exactly one membership entry, got %v", numbers)
	}
}

func TestMembershipRemove(t *testing.T) {
	s := newTestSessionStore(t)
	s.Add("alice", "628001")
	s.Add("alice", "628002")

	if err := s.Remove("alice", "628001"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := s.Numbers("alice"); len(got) != 1 || got[0] != "628002" {
		t.Fatalf("expected [628002], got %v", got)
	}

	// Removing an absent number is a no-op.
	if err := s.Remove("alice", "999"); err != nil {
		t.Fatalf("idempotent remove: %v", err)
	}
	if err := s.Remove("nobody", "628001"); err != nil {
		t.Fatalf("remove for unknown tenant: %v", err)
	}
}

func TestMembershipCountAndTenants(t *testing.T) {
	s := newTestSessionStore(t)
	s.Add("bob", "628010")
	s.Add("alice", "628001")
	s.Add("alice", "628002")

	if got := s.Count(); got != 3 {
		t.Fatalf("expected 3 registered sessions, got %d", got)
	}
	tenants := s.Tenants()
	if len(tenants) != 2 || tenants[0] != "alice" || tenants[1] != "bob" {
		t.Fatalf("expected sorted tenants [alice bob], got %v", tenants)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	s := newTestSessionStore(t)

	if s.HasCredentials("alice", "628001") {
		t.Fatal("fresh device should have no credentials")
	}

	dir, err := s.DeviceDir("alice", "628001")
	if err != nil {
		t.Fatalf("device dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "creds.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write creds: %v", err)
	}

	if !s.HasCredentials("alice", "628001") {
		t.Fatal("expected credentials to be detected")
	}

	if err := s.PurgeCredentials("alice", "628001"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if s.HasCredentials("alice", "628001") {
		t.Fatal("expected credentials to be gone after purge")
	}
	// Purging again is idempotent.
	if err := s.PurgeCredentials("alice", "628001"); err != nil {
		t.Fatalf("second purge: %v", err)
	}
}

func TestCorruptMembershipIsBackedUpAndReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user_sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	s := NewSessionStore(dir, filepath.Join(dir, "auth"), logging.NewLogger())
	if got := s.Count(); got != 0 {
		t.Fatalf("corrupt record set should reset to empty, got count %d", got)
	}

	backups, _ := filepath.Glob(path + ".backup-*")
	if len(backups) == 0 {
		t.Fatal("expected a backup of the corrupt record set")
	}
}
