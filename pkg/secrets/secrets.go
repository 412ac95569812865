// Package secrets encrypts agent credentials at rest with AES-256-GCM.
// The master key comes from the environment; decryption failures are
// indistinguishable from missing secrets so a wrong key never leaks
// which names exist.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ErrNotFound is returned for unknown secret names and for ciphertext
// the current master key cannot open.
var ErrNotFound = errors.New("secret not found")

// keySize is the AES-256 key length in bytes.
const keySize = 32

// Vault stores named secrets encrypted under a master key. Values are
// kept as ciphertext in memory; persistence is delegated to the
// project's onboarding config blob.
type Vault struct {
	aead   cipher.AEAD
	logger *slog.Logger

	mu      sync.RWMutex
	secrets map[string]string // name → base64(nonce || ciphertext)
}

// NewVault creates a vault from a raw 32-byte key.
func NewVault(key []byte, logger *slog.Logger) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}
	if logger == nil {
		logger = slog.Default()
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{
		aead:    aead,
		logger:  logger.With("component", "secrets"),
		secrets: make(map[string]string),
	}, nil
}

// NewVaultFromEnv reads the base64-encoded master key from the named
// environment variable.
func NewVaultFromEnv(envVar string, logger *slog.Logger) (*Vault, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("master key env %s is not set", envVar)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("master key env %s is not valid base64: %w", envVar, err)
	}
	return NewVault(key, logger)
}

// GenerateKey returns a fresh random master key, base64-encoded for the
// environment.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Set encrypts and stores a secret under name.
func (v *Vault) Set(_ context.Context, name, value string) error {
	sealed, err := v.seal([]byte(value))
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.secrets[name] = sealed
	v.mu.Unlock()
	v.logger.Info("Secret stored", "name", name)
	return nil
}

// Get decrypts the secret stored under name. A wrong master key and an
// unknown name both report ErrNotFound.
func (v *Vault) Get(_ context.Context, name string) (string, error) {
	v.mu.RLock()
	sealed, ok := v.secrets[name]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	plain, err := v.open(sealed)
	if err != nil {
		v.logger.Warn("Secret decryption failed", "name", name)
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return string(plain), nil
}

// Delete removes a secret. Deleting an unknown name is a no-op.
func (v *Vault) Delete(_ context.Context, name string) {
	v.mu.Lock()
	delete(v.secrets, name)
	v.mu.Unlock()
}

// Names lists stored secret names. Values are never listed.
func (v *Vault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		out = append(out, name)
	}
	return out
}

// Export returns the ciphertext map for persistence. Safe to store
// anywhere; useless without the master key.
func (v *Vault) Export() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.secrets))
	for k, val := range v.secrets {
		out[k] = val
	}
	return out
}

// Import loads previously exported ciphertext. Entries the current key
// cannot open stay stored and surface as ErrNotFound on Get.
func (v *Vault) Import(sealed map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range sealed {
		v.secrets[k] = val
	}
}

// RotateKey re-encrypts every secret under a new key and swaps the
// vault's cipher. Secrets the old key cannot open are dropped.
func (v *Vault) RotateKey(newKey []byte) error {
	if len(newKey) != keySize {
		return fmt.Errorf("master key must be %d bytes, got %d", keySize, len(newKey))
	}
	block, err := aes.NewCipher(newKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("init gcm: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	rotated := make(map[string]string, len(v.secrets))
	dropped := 0
	for name, sealed := range v.secrets {
		plain, err := v.open(sealed)
		if err != nil {
			dropped++
			continue
		}
		resealed, err := sealWith(aead, plain)
		if err != nil {
			return err
		}
		rotated[name] = resealed
	}
	v.aead = aead
	v.secrets = rotated
	if dropped > 0 {
		v.logger.Warn("Secrets dropped during key rotation", "count", dropped)
	}
	return nil
}

func (v *Vault) seal(plain []byte) (string, error) {
	return sealWith(v.aead, plain)
}

func sealWith(aead cipher.AEAD, plain []byte) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return v.aead.Open(nil, raw[:ns], raw[ns:], nil)
}
