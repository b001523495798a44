package agent

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/draftdesk/licensing/pkg/licensing"
)

const (
	// cacheFileName is the encrypted on-device license record.
	cacheFileName = "license.enc"
	// cacheKeyFileName is the persistent encryption key. It lives in the
	// config directory so the cache survives machine-id churn.
	cacheKeyFileName = ".license-key"

	cachePrivateDirPerm  = 0o700
	cachePrivateFilePerm = 0o600
	maxCacheFileSize     = 1 << 20 // 1 MiB
)

// CachedState is everything the Local License Agent persists per
// installation. The cache is the only thing consulted on the fast path; it
// is refreshed from the Authority, never the reverse.
type CachedState struct {
	License *licensing.License `json:"license,omitempty"`
	// LastVerified is the time of the last successful Authority contact.
	LastVerified time.Time `json:"last_verified,omitzero"`
	// TrialUsed survives license removal so a cleared cache alone cannot
	// re-arm the trial.
	TrialUsed bool `json:"trial_used,omitempty"`
	// OfflineTrial marks a locally minted trial that still needs server
	// reconciliation.
	OfflineTrial bool `json:"offline_trial,omitempty"`
}

// Cache handles encrypted storage of the agent's license state.
type Cache struct {
	configDir     string
	encryptionKey string
}

// NewCache creates the encrypted cache rooted at configDir. The encryption
// key is generated on first use and persisted alongside the cache.
func NewCache(configDir string) (*Cache, error) {
	configDir = strings.TrimSpace(configDir)
	if configDir == "" {
		return nil, errors.New("config directory cannot be empty")
	}
	c := &Cache{configDir: configDir}
	key, err := c.ensureKey()
	if err != nil {
		return nil, err
	}
	c.encryptionKey = key
	return c, nil
}

func (c *Cache) ensureKey() (string, error) {
	if err := os.MkdirAll(c.configDir, cachePrivateDirPerm); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	keyPath := filepath.Join(c.configDir, cacheKeyFileName)

	data, err := os.ReadFile(keyPath)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", errors.New("persistent cache key file is empty")
		}
		return key, os.Chmod(keyPath, cachePrivateFilePerm)
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("load persistent cache key: %w", err)
	}

	keyBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
		return "", fmt.Errorf("generate cache encryption key: %w", err)
	}
	key := hex.EncodeToString(keyBytes)
	if err := os.WriteFile(keyPath, []byte(key), cachePrivateFilePerm); err != nil {
		return "", fmt.Errorf("persist cache encryption key: %w", err)
	}
	return key, nil
}

// Save encrypts and writes the state atomically.
func (c *Cache) Save(state CachedState) error {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal license cache: %w", err)
	}
	encrypted, err := c.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt license cache: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(encrypted)

	path := filepath.Join(c.configDir, cacheFileName)
	tmp, err := os.CreateTemp(c.configDir, cacheFileName+".*.tmp")
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

	if err := tmp.Chmod(cachePrivateFilePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(encoded); err != nil {
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

// Load reads and decrypts the state. A missing cache yields the zero state;
// an unreadable or corrupt cache is an error the agent maps to "no license".
func (c *Cache) Load() (CachedState, error) {
	path := filepath.Join(c.configDir, cacheFileName)
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return CachedState{}, nil
	}
	if err != nil {
		return CachedState{}, fmt.Errorf("stat license cache: %w", err)
	}
	if !info.Mode().IsRegular() || info.Size() > maxCacheFileSize {
		return CachedState{}, errors.New("license cache file is not usable")
	}

	encoded, err := os.ReadFile(path)
	if err != nil {
		return CachedState{}, fmt.Errorf("read license cache: %w", err)
	}
	encrypted, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return CachedState{}, fmt.Errorf("decode license cache: %w", err)
	}
	plaintext, err := c.decrypt(encrypted)
	if err != nil {
		return CachedState{}, fmt.Errorf("decrypt license cache: %w", err)
	}

	var state CachedState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return CachedState{}, fmt.Errorf("parse license cache: %w", err)
	}
	return state, nil
}

// Delete removes the cache file. The encryption key stays; the trial flag is
// gone with the cache, which is why the Authority also enforces trial reuse.
func (c *Cache) Delete() error {
	err := os.Remove(filepath.Join(c.configDir, cacheFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete license cache: %w", err)
	}
	return nil
}

func (c *Cache) encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cache) decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}

func (c *Cache) gcm() (cipher.AEAD, error) {
	hash := sha256.Sum256([]byte("draftdesk-license-" + c.encryptionKey))
	block, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
