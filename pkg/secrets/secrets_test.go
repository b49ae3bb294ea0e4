package secrets

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(fill byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = fill + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	ring, err := NewRing(map[int][]byte{1: testKey(0)})
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	for _, plain := range []string{"", "PKTEST123", "a much longer alpaca secret key value"} {
		sealed, err := ring.Seal(plain)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if !strings.HasPrefix(sealed, "ENC[v1]:") {
			t.Fatalf("sealed value %q lacks prefix", sealed)
		}
		got, err := ring.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != plain {
			t.Fatalf("Open = %q, want %q", got, plain)
		}
	}

	a, _ := ring.Seal("same")
	b, _ := ring.Seal("same")
	if a == b {
		t.Fatalf("expected distinct ciphertexts for the same plaintext")
	}
}

func TestNewestKeySealsAndOldKeysStillOpen(t *testing.T) {
	old, _ := NewRing(map[int][]byte{1: testKey(0)})
	sealedV1, _ := old.Seal("rotated")

	ring, err := NewRing(map[int][]byte{1: testKey(0), 2: testKey(7)})
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	sealedV2, _ := ring.Seal("fresh")
	if Version(sealedV2) != 2 {
		t.Fatalf("version = %d, want 2", Version(sealedV2))
	}
	if got, err := ring.Open(sealedV1); err != nil || got != "rotated" {
		t.Fatalf("Open v1 = %q, %v", got, err)
	}
	if _, err := old.Open(sealedV2); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestOpenRejectsMalformed(t *testing.T) {
	ring, _ := NewRing(map[int][]byte{1: testKey(0)})
	other, _ := NewRing(map[int][]byte{1: testKey(9)})
	foreign, _ := other.Seal("x")

	for _, bad := range []string{"", "plain", "ENC[v1]:", "ENC[v1]:!!!", "ENC[vX]:AAAA", "ENC[v1]AAAA"} {
		if _, err := ring.Open(bad); !errors.Is(err, ErrInvalidSealed) {
			t.Errorf("Open(%q) = %v, want ErrInvalidSealed", bad, err)
		}
	}
	if _, err := ring.Open(foreign); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
}

func TestLoadRing(t *testing.T) {
	env := map[string]string{
		KeyEnv:         base64.StdEncoding.EncodeToString(testKey(0)),
		KeyEnv + "_V3": base64.StdEncoding.EncodeToString(testKey(3)),
	}
	ring, err := LoadRing(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("LoadRing: %v", err)
	}
	sealed, _ := ring.Seal("k")
	if Version(sealed) != 3 {
		t.Fatalf("version = %d, want 3", Version(sealed))
	}

	if _, err := LoadRing(func(string) string { return "" }); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := LoadRing(func(string) string { return "c2hvcnQ=" }); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestRevealPassesPlainValues(t *testing.T) {
	var none *Ring
	if got, err := none.Reveal("plain"); err != nil || got != "plain" {
		t.Fatalf("Reveal = %q, %v", got, err)
	}
	if _, err := none.Reveal("ENC[v1]:AAAA"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}
