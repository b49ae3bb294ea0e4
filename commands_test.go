package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"execution-core/pkg/secrets"
)

func TestHashPasswordCommand(t *testing.T) {
	var out bytes.Buffer
	if err := runCommand([]string{"hash-password"}, strings.NewReader("hunter2\n"), &out, nil); err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")); err != nil {
		t.Fatalf("hash does not match password: %v", err)
	}
}

func TestSealCommandUsesMasterKey(t *testing.T) {
	var keyOut bytes.Buffer
	if err := runCommand([]string{"gen-key"}, nil, &keyOut, nil); err != nil {
		t.Fatalf("gen-key: %v", err)
	}
	key := strings.TrimSpace(keyOut.String())
	env := func(name string) string {
		if name == secrets.KeyEnv {
			return key
		}
		return ""
	}

	var out bytes.Buffer
	if err := runCommand([]string{"seal"}, strings.NewReader("secret-key"), &out, env); err != nil {
		t.Fatalf("seal: %v", err)
	}
	ring, _ := secrets.LoadRing(env)
	plain, err := ring.Open(strings.TrimSpace(out.String()))
	if err != nil || plain != "secret-key" {
		t.Fatalf("Open = %q, %v", plain, err)
	}

	if err := runCommand([]string{"seal"}, strings.NewReader("x"), &out, func(string) string { return "" }); !errors.Is(err, secrets.ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := runCommand([]string{"frobnicate"}, nil, &out, nil); !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage, got %v", err)
	}
}
