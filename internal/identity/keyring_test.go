package identity

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestParseKeyringDerivesIdentity(t *testing.T) {
	keyring, err := ParseKeyring("secret-token", "")
	if err != nil {
		t.Fatalf("ParseKeyring returned error: %v", err)
	}
	if keyring.Empty() {
		t.Fatal("keyring must not be empty")
	}

	seed, ok := keyring.Resolve("secret-token")
	if !ok {
		t.Fatal("configured token must resolve")
	}
	if !strings.HasPrefix(seed.Email, "key-") || !strings.HasSuffix(seed.Email, "@clients.local") {
		t.Fatalf("unexpected derived email: %s", seed.Email)
	}
	if !strings.HasPrefix(seed.FullName, "API client ") {
		t.Fatalf("unexpected derived name: %s", seed.FullName)
	}
	if seed.Elevated {
		t.Fatal("a plain key must not be elevated")
	}
	// 平文トークンは保存されず、bcryptハッシュのみが依頼主行に渡る
	if err := bcrypt.CompareHashAndPassword([]byte(seed.HashedCredential), []byte("secret-token")); err != nil {
		t.Fatalf("hashed credential does not match the token: %v", err)
	}
}

func TestParseKeyringExplicitEntries(t *testing.T) {
	keyring, err := ParseKeyring("token-1:alice@example.com:Alice Smith, token-2:bob@example.com", "")
	if err != nil {
		t.Fatalf("ParseKeyring returned error: %v", err)
	}

	seed, ok := keyring.Resolve("token-1")
	if !ok {
		t.Fatal("token-1 must resolve")
	}
	if seed.Email != "alice@example.com" || seed.FullName != "Alice Smith" {
		t.Fatalf("unexpected seed: %+v", seed)
	}

	seed, ok = keyring.Resolve("token-2")
	if !ok {
		t.Fatal("token-2 must resolve")
	}
	if seed.Email != "bob@example.com" {
		t.Fatalf("unexpected email: %s", seed.Email)
	}
	// 表示名の省略時はトークンから導出される
	if !strings.HasPrefix(seed.FullName, "API client ") {
		t.Fatalf("unexpected name: %s", seed.FullName)
	}
}

func TestParseKeyringAdminElevation(t *testing.T) {
	keyring, err := ParseKeyring("token-1, token-2", "token-2")
	if err != nil {
		t.Fatalf("ParseKeyring returned error: %v", err)
	}

	if seed, _ := keyring.Resolve("token-1"); seed.Elevated {
		t.Fatal("token-1 must not be elevated")
	}
	if seed, _ := keyring.Resolve("token-2"); !seed.Elevated {
		t.Fatal("token-2 must be elevated")
	}
}

func TestParseKeyringRejectsDuplicates(t *testing.T) {
	if _, err := ParseKeyring("token-1,token-1", ""); err == nil {
		t.Fatal("expected error for duplicate tokens")
	}
}

func TestParseKeyringSkipsBlankEntries(t *testing.T) {
	keyring, err := ParseKeyring(" , token-1, ", "")
	if err != nil {
		t.Fatalf("ParseKeyring returned error: %v", err)
	}
	if keyring.Empty() {
		t.Fatal("keyring must contain token-1")
	}
	if _, ok := keyring.Resolve("token-1"); !ok {
		t.Fatal("token-1 must resolve")
	}
}

func TestEmptyKeyring(t *testing.T) {
	keyring, err := ParseKeyring("", "")
	if err != nil {
		t.Fatalf("ParseKeyring returned error: %v", err)
	}
	if !keyring.Empty() {
		t.Fatal("keyring without entries must be empty")
	}
	if _, ok := keyring.Resolve("anything"); ok {
		t.Fatal("empty keyring must not resolve tokens")
	}

	var nilRing *Keyring
	if !nilRing.Empty() {
		t.Fatal("nil keyring must report empty")
	}
	if _, ok := nilRing.Resolve("anything"); ok {
		t.Fatal("nil keyring must not resolve tokens")
	}
}

func TestResolveUnknownToken(t *testing.T) {
	keyring, err := ParseKeyring("token-1", "")
	if err != nil {
		t.Fatalf("ParseKeyring returned error: %v", err)
	}
	if _, ok := keyring.Resolve("token-2"); ok {
		t.Fatal("unknown token must not resolve")
	}
	if _, ok := keyring.Resolve(""); ok {
		t.Fatal("empty token must not resolve")
	}
}

func TestAnonymousSeed(t *testing.T) {
	seed := AnonymousSeed()
	if seed.Email != "anonymous@local" || seed.FullName != "Anonymous" {
		t.Fatalf("unexpected anonymous seed: %+v", seed)
	}
	if seed.Elevated {
		t.Fatal("the anonymous caller must not be elevated")
	}
}
