// Package keystore maps user identifiers to API keys. The mapping is read once
// at startup from a JSON object ({"alice": "<key>"}) and is read-only for the
// lifetime of the server.
package keystore

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/goccy/go-json"

	"savesync/internal/logging"
)

var (
	ErrDuplicateKey  = errors.New("api key bound to more than one user")
	ErrDuplicateUser = errors.New("user already has a key")
	ErrInvalidUserID = errors.New("invalid user id")
	ErrEmptyKey      = errors.New("empty api key")
)

// validUserPattern keeps user ids safe to use as a directory name.
var validUserPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidUserID reports whether id can be used as a user identifier.
func ValidUserID(id string) bool {
	return validUserPattern.MatchString(id) && id != "." && id != ".."
}

// Store is an immutable user id <-> API key mapping.
type Store struct {
	byUser map[string]string
	byKey  map[string]string
}

// New builds a Store from a user id -> key map, enforcing unique keys.
func New(keys map[string]string) (*Store, error) {
	s := &Store{
		byUser: make(map[string]string, len(keys)),
		byKey:  make(map[string]string, len(keys)),
	}
	for user, key := range keys {
		if !ValidUserID(user) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, user)
		}
		if key == "" {
			return nil, fmt.Errorf("%w for user %q", ErrEmptyKey, user)
		}
		if other, dup := s.byKey[key]; dup {
			return nil, fmt.Errorf("%w: %q and %q", ErrDuplicateKey, other, user)
		}
		s.byUser[user] = key
		s.byKey[key] = user
	}
	return s, nil
}

// Load reads the key file at path. A missing file yields an empty store and
// an empty file is written in its place; no credentials are invented.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.Internal.Warn().Str("path", path).Msg("key file not found, starting with no users")
		if err := write(path, map[string]string{}); err != nil {
			return nil, fmt.Errorf("create key file: %w", err)
		}
		return New(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	return New(keys)
}

// Resolve returns the user id bound to apiKey.
func (s *Store) Resolve(apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	// Scan every entry so lookup time does not depend on which key matched.
	var found string
	for key, user := range s.byKey {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			found = user
		}
	}
	return found, found != ""
}

// Authenticate returns the API key bound to userID.
func (s *Store) Authenticate(userID string) (string, bool) {
	key, ok := s.byUser[userID]
	return key, ok
}

// Users returns the sorted list of known user ids.
func (s *Store) Users() []string {
	users := make([]string, 0, len(s.byUser))
	for u := range s.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Len returns the number of credentials.
func (s *Store) Len() int {
	return len(s.byUser)
}

// Add generates a new key for userID and persists it to path. It is meant for
// the admin CLI; a running server does not observe the change until restart.
func Add(path, userID string) (string, error) {
	if !ValidUserID(userID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}

	st, err := Load(path)
	if err != nil {
		return "", err
	}
	if _, exists := st.byUser[userID]; exists {
		return "", fmt.Errorf("%w: %q", ErrDuplicateUser, userID)
	}

	key, err := GenerateKey()
	if err != nil {
		return "", err
	}

	keys := make(map[string]string, len(st.byUser)+1)
	for u, k := range st.byUser {
		keys[u] = k
	}
	keys[userID] = key

	if err := write(path, keys); err != nil {
		return "", err
	}
	return key, nil
}

// GenerateKey returns 32 random bytes, hex encoded.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func write(path string, keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "    ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".keys-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
