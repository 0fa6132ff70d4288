package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dapidd12/hexhs/internal/logging"
)

const credsFile = "creds.json"

// SessionStore persists durable session membership (which device numbers a
// tenant has successfully connected at least once) and owns the directory
// layout for per-device credential material. The membership record and the
// credential directories are deliberately separate: membership is a single
// JSON record set, credentials live under authDir/users/<tenant>/device<n>/.
type SessionStore struct {
	path    string
	authDir string
	mu      sync.Mutex
	logger  logging.Logger
}

// NewSessionStore opens the membership record set and credential root.
func NewSessionStore(dataDir, authDir string, logger logging.Logger) *SessionStore {
	return &SessionStore{
		path:    filepath.Join(dataDir, "user_sessions.json"),
		authDir: authDir,
		logger:  logger,
	}
}

func (s *SessionStore) load() map[string][]string {
	data := map[string][]string{}
	if err := readJSONOrReset(s.path, &data, map[string][]string{}); err != nil {
		s.logger.WithError(err).Error("Failed to load session membership")
		return map[string][]string{}
	}
	return data
}

// All returns a copy of the full membership mapping.
func (s *SessionStore) All() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	out := make(map[string][]string, len(data))
	for tenant, numbers := range data {
		out[tenant] = append([]string(nil), numbers...)
	}
	return out
}

// Numbers returns the device numbers registered for a tenant, in stored order.
func (s *SessionStore) Numbers(tenantID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.load()[tenantID]...)
}

// Add registers a device number for a tenant. Idempotent: returns true only
// when the number was newly added and persisted.
func (s *SessionStore) Add(tenantID, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	for _, n := range data[tenantID] {
		if n == number {
			return false, nil
		}
	}
	data[tenantID] = append(data[tenantID], number)
	if err := writeJSONAtomic(s.path, data); err != nil {
		return false, err
	}
	s.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"number":    number,
	}).Info("Session membership saved")
	return true, nil
}

// Remove deletes a device number from a tenant's membership; idempotent.
func (s *SessionStore) Remove(tenantID, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	numbers, ok := data[tenantID]
	if !ok {
		return nil
	}
	kept := numbers[:0]
	for _, n := range numbers {
		if n != number {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		delete(data, tenantID)
	} else {
		data[tenantID] = kept
	}
	return writeJSONAtomic(s.path, data)
}

// Count returns the total number of registered device numbers.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, numbers := range s.load() {
		total += len(numbers)
	}
	return total
}

// Tenants returns the tenant IDs with at least one registered device, sorted.
func (s *SessionStore) Tenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	out := make([]string, 0, len(data))
	for tenant := range data {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}

// DeviceDir returns (creating it) the credential directory for one device.
func (s *SessionStore) DeviceDir(tenantID, number string) (string, error) {
	dir := filepath.Join(s.authDir, "users", tenantID, fmt.Sprintf("device%s", number))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create credential dir: %w", err)
	}
	return dir, nil
}

// HasCredentials reports whether paired credential material exists on disk.
func (s *SessionStore) HasCredentials(tenantID, number string) bool {
	dir := filepath.Join(s.authDir, "users", tenantID, fmt.Sprintf("device%s", number))
	_, err := os.Stat(filepath.Join(dir, credsFile))
	return err == nil
}

// PurgeCredentials removes all credential material for a device; idempotent.
func (s *SessionStore) PurgeCredentials(tenantID, number string) error {
	dir := filepath.Join(s.authDir, "users", tenantID, fmt.Sprintf("device%s", number))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return nil
}

// Probe reports whether the membership record set is readable.
func (s *SessionStore) Probe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := map[string][]string{}
	return readJSONOrReset(s.path, &data, map[string][]string{})
}
