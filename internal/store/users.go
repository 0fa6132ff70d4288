package store

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/dapidd12/hexhs/internal/logging"
)

// Roles an operator account can hold, in descending privilege order.
const (
	RoleDeveloper = "developer"
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleReseller  = "reseller"
	RoleUser      = "user"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	ErrBadKey       = errors.New("invalid username or key")
	ErrKeyExpired   = errors.New("access key expired")
)

// User is one operator account of the panel. Expired is kept in unix
// milliseconds to stay compatible with record sets written by earlier
// deployments; zero means a permanent account.
type User struct {
	Username string `json:"username"`
	Key      string `json:"key"`
	Role     string `json:"role"`
	Expired  int64  `json:"expired"`
}

// Expiry returns the expiry as a time, or the zero time for permanent accounts.
func (u User) Expiry() time.Time {
	if u.Expired == 0 {
		return time.Time{}
	}
	return time.UnixMilli(u.Expired)
}

// IsExpired reports whether the account's access key has lapsed.
func (u User) IsExpired(now time.Time) bool {
	return u.Expired != 0 && now.After(time.UnixMilli(u.Expired))
}

// UserStore persists operator accounts in a single JSON record set.
type UserStore struct {
	path   string
	mu     sync.Mutex
	logger logging.Logger
}

// NewUserStore opens (creating if needed) the account record set under dataDir.
func NewUserStore(dataDir string, logger logging.Logger) *UserStore {
	return &UserStore{
		path:   filepath.Join(dataDir, "user.json"),
		logger: logger,
	}
}

func (s *UserStore) load() []User {
	users := []User{}
	if err := readJSONOrReset(s.path, &users, []User{}); err != nil {
		s.logger.WithError(err).Error("Failed to load user record set")
		return []User{}
	}
	for i := range users {
		if users[i].Role == "" {
			users[i].Role = RoleUser
		}
	}
	return users
}

// List returns all accounts.
func (s *UserStore) List() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Find returns the account with the given username.
func (s *UserStore) Find(username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.load() {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

// Authenticate validates a username/key pair and the key's expiry.
func (s *UserStore) Authenticate(username, key string, now time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.load() {
		if u.Username == username && u.Key == key {
			if u.IsExpired(now) {
				return User{}, ErrKeyExpired
			}
			return u, nil
		}
	}
	return User{}, ErrBadKey
}

// Create adds a new account; usernames are unique.
func (s *UserStore) Create(user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.load()
	for _, u := range users {
		if u.Username == user.Username {
			return ErrUserExists
		}
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	users = append(users, user)
	return writeJSONAtomic(s.path, users)
}

// Delete removes an account by username.
func (s *UserStore) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.load()
	kept := users[:0]
	found := false
	for _, u := range users {
		if u.Username == username {
			found = true
			continue
		}
		kept = append(kept, u)
	}
	if !found {
		return ErrUserNotFound
	}
	return writeJSONAtomic(s.path, kept)
}

// Probe reports whether the record set is readable, for health checks.
func (s *UserStore) Probe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := []User{}
	return readJSONOrReset(s.path, &users, []User{})
}
