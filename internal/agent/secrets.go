package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretService scopes DraftDesk secrets in the secret store.
const SecretService = "com.draftdesk.license"

// ErrSecretNotFound is returned when no secret exists for an account.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore holds the raw license key outside the general cache. On
// platforms with an OS keychain the desktop shell supplies a keychain-backed
// implementation; FileSecretStore is the portable default.
type SecretStore interface {
	SetSecret(service, account, value string) error
	GetSecret(service, account string) (string, error)
	DeleteSecret(service, account string) error
}

// FileSecretStore keeps each secret in its own owner-only file under dir.
// File names are derived by hashing so account names never hit the disk.
type FileSecretStore struct {
	dir string
}

// NewFileSecretStore creates a file-backed secret store rooted at dir.
func NewFileSecretStore(dir string) (*FileSecretStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("secret store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secret store directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("secure secret store directory: %w", err)
	}
	return &FileSecretStore{dir: dir}, nil
}

func (s *FileSecretStore) path(service, account string) string {
	sum := sha256.Sum256([]byte(service + "\x00" + account))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".secret")
}

// SetSecret stores value for (service, account), replacing any prior value.
func (s *FileSecretStore) SetSecret(service, account, value string) error {
	path := s.path(service, account)
	tmp, err := os.CreateTemp(s.dir, ".secret.*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// GetSecret returns the stored value or ErrSecretNotFound.
func (s *FileSecretStore) GetSecret(service, account string) (string, error) {
	data, err := os.ReadFile(s.path(service, account))
	if os.IsNotExist(err) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeleteSecret removes the stored value; deleting a missing secret is not
// an error.
func (s *FileSecretStore) DeleteSecret(service, account string) error {
	err := os.Remove(s.path(service, account))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemorySecretStore is an in-memory SecretStore for tests.
type MemorySecretStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewMemorySecretStore creates an empty in-memory store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string]string)}
}

func (s *MemorySecretStore) SetSecret(service, account, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[service+"\x00"+account] = value
	return nil
}

func (s *MemorySecretStore) GetSecret(service, account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[service+"\x00"+account]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (s *MemorySecretStore) DeleteSecret(service, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, service+"\x00"+account)
	return nil
}
