package store

import (
	"path/filepath"
	"sync"

	"github.com/dapidd12/hexhs/internal/logging"
)

// access mirrors the akses.json layout: flat lists of Telegram user IDs per
// privilege tier. Field names are wire-compatible with existing deployments.
type access struct {
	Owners     []string `json:"owners"`
	Users      []string `json:"akses"`
	Resellers  []string `json:"resellers"`
	Pts        []string `json:"pts"`
	Moderators []string `json:"moderators"`
}

// AccessStore persists the Telegram-side authorization lists.
type AccessStore struct {
	path       string
	developers []string // built-in, never persisted
	mu         sync.Mutex
	logger     logging.Logger
}

// NewAccessStore opens the access list record set under dataDir. The
// developer IDs are implicit owners of everything.
func NewAccessStore(dataDir string, developerIDs []string, logger logging.Logger) *AccessStore {
	return &AccessStore{
		path:       filepath.Join(dataDir, "akses.json"),
		developers: developerIDs,
		logger:     logger,
	}
}

func (s *AccessStore) load() access {
	data := access{}
	if err := readJSONOrReset(s.path, &data, access{
		Owners:     []string{},
		Users:      []string{},
		Resellers:  []string{},
		Pts:        []string{},
		Moderators: []string{},
	}); err != nil {
		s.logger.WithError(err).Error("Failed to load access record set")
	}
	return data
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// IsDeveloper reports whether id is one of the built-in developer IDs.
func (s *AccessStore) IsDeveloper(id string) bool {
	return contains(s.developers, id)
}

// IsOwner reports whether id is a developer or listed owner.
func (s *AccessStore) IsOwner(id string) bool {
	if s.IsDeveloper(id) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.load().Owners, id)
}

// IsAuthorized reports whether id appears on any access tier.
func (s *AccessStore) IsAuthorized(id string) bool {
	if s.IsOwner(id) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.load()
	return contains(a.Users, id) || contains(a.Resellers, id) ||
		contains(a.Pts, id) || contains(a.Moderators, id)
}

// RoleOf returns the highest tier id belongs to, or "" when unauthorized.
func (s *AccessStore) RoleOf(id string) string {
	if s.IsDeveloper(id) {
		return RoleDeveloper
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.load()
	switch {
	case contains(a.Owners, id):
		return RoleOwner
	case contains(a.Moderators, id):
		return RoleAdmin
	case contains(a.Resellers, id):
		return RoleReseller
	case contains(a.Pts, id), contains(a.Users, id):
		return RoleUser
	}
	return ""
}

// AddOwner grants owner access to a Telegram ID; idempotent.
func (s *AccessStore) AddOwner(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.load()
	if contains(a.Owners, id) {
		return nil
	}
	a.Owners = append(a.Owners, id)
	return writeJSONAtomic(s.path, a)
}

// RemoveOwner revokes owner access; idempotent.
func (s *AccessStore) RemoveOwner(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.load()
	kept := a.Owners[:0]
	for _, v := range a.Owners {
		if v != id {
			kept = append(kept, v)
		}
	}
	a.Owners = kept
	return writeJSONAtomic(s.path, a)
}
