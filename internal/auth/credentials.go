package auth

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// ErrInvalidCredentials is returned when authentication fails.
var ErrInvalidCredentials = errors.New("invalid credentials")

type credential struct {
	password string
	roles    []string
}

// CredentialStore holds admin users, their passwords and roles.
//
// Entries have the form "user:password:role,role". The role list may be
// empty ("user:password:" or "user:password"), in which case the user can
// authenticate but holds no roles.
type CredentialStore struct {
	mu    sync.RWMutex
	users map[string]credential
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		users: make(map[string]credential),
	}
}

// LoadFromFile reads one entry per line. Blank lines and lines starting
// with # are ignored.
func (cs *CredentialStore) LoadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return cs.load(file)
}

func (cs *CredentialStore) load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := cs.addEntry(line); err != nil {
			return fmt.Errorf("auth: line %d: %w", lineNum, err)
		}
	}
	return scanner.Err()
}

// LoadFromString loads ';'-separated entries.
func (cs *CredentialStore) LoadFromString(data string) error {
	for _, entry := range strings.Split(data, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if err := cs.addEntry(entry); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	return nil
}

func (cs *CredentialStore) addEntry(entry string) error {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 2 {
		return errors.New("malformed credential entry, want user:password:roles")
	}
	user := strings.TrimSpace(parts[0])
	if user == "" {
		return errors.New("empty user name")
	}
	var roles []string
	if len(parts) == 3 {
		for _, r := range strings.Split(parts[2], ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
	}
	cs.Add(user, parts[1], roles...)
	return nil
}

// Add adds or replaces a user.
func (cs *CredentialStore) Add(user, password string, roles ...string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.users[user] = credential{password: password, roles: roles}
}

// Authenticate checks the password and returns the user's principal.
func (cs *CredentialStore) Authenticate(user, password string) (*Principal, error) {
	cs.mu.RLock()
	cred, ok := cs.users[user]
	cs.mu.RUnlock()

	if !ok {
		// Keep timing independent of whether the user exists.
		subtle.ConstantTimeCompare([]byte(password), []byte("dummy-password-comparison"))
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(cred.password)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &Principal{Name: user, Roles: append([]string(nil), cred.roles...)}, nil
}

// Count returns the number of users.
func (cs *CredentialStore) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.users)
}
