// Package secrets seals credentials kept in config files or the environment
// with AES-256-GCM. Sealed values look like ENC[v1]:base64(nonce+ciphertext);
// the version selects the master key so keys can be rotated.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	KeySize   = 32
	NonceSize = 12

	// KeyEnv names the version 1 master key; later versions use
	// KeyEnv_V2 .. KeyEnv_V9.
	KeyEnv     = "MASTER_ENCRYPTION_KEY"
	maxVersion = 9
	prefix     = "ENC[v"
)

var (
	ErrInvalidKey     = errors.New("invalid master key: must be 32 bytes")
	ErrInvalidSealed  = errors.New("invalid sealed value")
	ErrOpenFailed     = errors.New("sealed value does not open with this key")
	ErrNoKey          = errors.New("no master key configured")
	ErrUnknownVersion = errors.New("master key version not loaded")
)

// Ring holds one AEAD per key version. The highest version seals.
type Ring struct {
	current int
	aeads   map[int]cipher.AEAD
}

// NewRing builds a ring from raw 32-byte keys indexed by version.
func NewRing(keys map[int][]byte) (*Ring, error) {
	r := &Ring{aeads: make(map[int]cipher.AEAD, len(keys))}
	for ver, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", ver, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", ver, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", ver, err)
		}
		r.aeads[ver] = gcm
		if ver > r.current {
			r.current = ver
		}
	}
	if len(r.aeads) == 0 {
		return nil, ErrNoKey
	}
	return r, nil
}

// LoadRing reads base64 keys through lookup (os.Getenv, viper.GetString).
// It returns ErrNoKey when none is set.
func LoadRing(lookup func(string) string) (*Ring, error) {
	keys := make(map[int][]byte)
	for ver := 1; ver <= maxVersion; ver++ {
		name := KeyEnv
		if ver > 1 {
			name = fmt.Sprintf("%s_V%d", KeyEnv, ver)
		}
		raw := strings.TrimSpace(lookup(name))
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[ver] = key
	}
	return NewRing(keys)
}

// Sealed reports whether value carries the sealed prefix.
func Sealed(value string) bool { return strings.HasPrefix(value, prefix) }

// Seal encrypts plaintext with the newest key.
func (r *Ring) Seal(plaintext string) (string, error) {
	gcm := r.aeads[r.current]
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", prefix, r.current, base64.StdEncoding.EncodeToString(out)), nil
}

// Open decrypts a sealed value with the key version named in its prefix.
func (r *Ring) Open(sealed string) (string, error) {
	ver, data, err := split(sealed)
	if err != nil {
		return "", err
	}
	gcm, ok := r.aeads[ver]
	if !ok {
		return "", fmt.Errorf("v%d: %w", ver, ErrUnknownVersion)
	}
	plain, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

// Reveal opens sealed values and passes plain ones through. A nil ring can
// only reveal plain values.
func (r *Ring) Reveal(value string) (string, error) {
	if !Sealed(value) {
		return value, nil
	}
	if r == nil {
		return "", ErrNoKey
	}
	return r.Open(value)
}

// Version extracts the key version of a sealed value, or 0.
func Version(sealed string) int {
	ver, _, err := split(sealed)
	if err != nil {
		return 0
	}
	return ver
}

func split(sealed string) (int, []byte, error) {
	if !Sealed(sealed) {
		return 0, nil, ErrInvalidSealed
	}
	end := strings.Index(sealed, "]:")
	if end == -1 {
		return 0, nil, ErrInvalidSealed
	}
	var ver int
	if _, err := fmt.Sscanf(sealed[len(prefix):end], "%d", &ver); err != nil || ver < 1 {
		return 0, nil, ErrInvalidSealed
	}
	data, err := base64.StdEncoding.DecodeString(sealed[end+2:])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidSealed, err)
	}
	if len(data) < NonceSize {
		return 0, nil, ErrInvalidSealed
	}
	return ver, data, nil
}

// GenerateKey returns a fresh base64 master key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
