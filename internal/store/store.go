// Package store owns the on-disk representation of users and settings. The
// two collections are persisted as whole-snapshot JSON documents
// (users.json, settings.json) and rewritten atomically via a temp file and
// rename, so a crash mid-write can never leave a truncated document behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kunalverma25/chatmeter/internal/logging"
	"github.com/kunalverma25/chatmeter/pkg/models"
)

var (
	// ErrNotFound is returned when the requested user does not exist
	ErrNotFound = errors.New("user not found")
	// ErrEmailExists is returned when a new user's email is already taken
	ErrEmailExists = errors.New("email already registered")
)

const (
	usersFile    = "users.json"
	settingsFile = "settings.json"
)

// userRecord is the on-disk shape of a user. Unlike models.User it carries
// the password hash, which must never appear in an API payload.
type userRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Name         string    `json:"name,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	MessageQuota int       `json:"messageQuota"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func toRecord(u models.User) userRecord {
	return userRecord(u)
}

func fromRecord(r userRecord) models.User {
	return models.User(r)
}

// Store provides durable access to the user and settings collections. Every
// mutating method persists the affected snapshot before returning; methods
// serialize on an internal mutex so no caller can observe a half-written
// state.
type Store struct {
	mu       sync.Mutex
	dir      string
	users    map[string]userRecord
	settings models.Settings
	logger   *logging.Logger
}

// Open loads the snapshots under dir, creating the directory if needed.
// Missing files yield an empty user set and the provided default settings;
// an existing but unreadable or corrupt file is a hard error so damaged
// data is surfaced at startup instead of silently discarded.
func Open(dir string, defaults models.Settings, logger *logging.Logger) (*Store, error) {
	if defaults.DefaultQuota < 0 {
		return nil, fmt.Errorf("default quota must not be negative, got %d", defaults.DefaultQuota)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		users:    make(map[string]userRecord),
		settings: defaults,
		logger:   logger,
	}

	var records []userRecord
	if err := readSnapshot(filepath.Join(dir, usersFile), &records); err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	for _, r := range records {
		s.users[r.ID] = r
	}

	var settings models.Settings
	if err := readSnapshot(filepath.Join(dir, settingsFile), &settings); err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if settings != (models.Settings{}) || fileExists(filepath.Join(dir, settingsFile)) {
		s.settings = settings
	}

	logger.Infof("store opened: %d users, default quota %d", len(s.users), s.settings.DefaultQuota)
	return s, nil
}

// GetUser returns a copy of the user with the given id
func (s *Store) GetUser(id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return fromRecord(r), nil
}

// GetUserByEmail returns a copy of the user with the given email. Emails
// are matched case-sensitively, exactly as stored.
func (s *Store) GetUserByEmail(email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.users {
		if r.Email == email {
			return fromRecord(r), nil
		}
	}
	return models.User{}, ErrNotFound
}

// ListUsers returns all users ordered by creation time
func (s *Store) ListUsers() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]models.User, 0, len(s.users))
	for _, r := range s.users {
		users = append(users, fromRecord(r))
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users
}

// CreateUser inserts a new user and persists the snapshot. Email uniqueness
// is enforced here, under the same lock as the insert.
func (s *Store) CreateUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.users {
		if r.Email == u.Email {
			return ErrEmailExists
		}
	}

	s.users[u.ID] = toRecord(u)
	if err := s.saveUsersLocked(); err != nil {
		delete(s.users, u.ID)
		return err
	}
	return nil
}

// PutUser replaces an existing user and persists the snapshot. UpdatedAt is
// refreshed here so every mutation carries a fresh timestamp. Returns
// ErrNotFound if the user was deleted since it was read.
func (s *Store) PutUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.users[u.ID]
	if !ok {
		return ErrNotFound
	}

	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = toRecord(u)
	if err := s.saveUsersLocked(); err != nil {
		s.users[u.ID] = prev
		return err
	}
	return nil
}

// DeleteUser removes a user and persists the snapshot (hard delete, no
// tombstone)
func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}

	delete(s.users, id)
	if err := s.saveUsersLocked(); err != nil {
		s.users[id] = prev
		return err
	}
	return nil
}

// Settings returns the current global settings
func (s *Store) Settings() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetDefaultQuota updates the default quota for future users and persists
// the settings snapshot. Existing users are not touched.
func (s *Store) SetDefaultQuota(quota int) error {
	if quota < 0 {
		return fmt.Errorf("default quota must not be negative, got %d", quota)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.settings
	s.settings.DefaultQuota = quota
	if err := s.saveSettingsLocked(); err != nil {
		s.settings = prev
		return err
	}
	return nil
}

func (s *Store) saveUsersLocked() error {
	start := time.Now()

	records := make([]userRecord, 0, len(s.users))
	for _, r := range s.users {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	err := writeSnapshot(s.dir, usersFile, records)
	s.logger.LogStoreOperation("save_users", time.Since(start), err)
	return err
}

func (s *Store) saveSettingsLocked() error {
	start := time.Now()
	err := writeSnapshot(s.dir, settingsFile, s.settings)
	s.logger.LogStoreOperation("save_settings", time.Since(start), err)
	return err
}

// readSnapshot unmarshals a snapshot file into dest. A missing file leaves
// dest untouched; any other read or parse failure is returned.
func readSnapshot(path string, dest interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("corrupt snapshot %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeSnapshot writes the document to a temp file in the same directory
// and renames it over the target, so readers never observe a partial write.
func writeSnapshot(dir, name string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
