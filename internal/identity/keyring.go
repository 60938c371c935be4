// Package identity はAPIキーによる呼び出し元の識別を提供します。
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Seed は解決済みの呼び出し元情報です。依頼主行の遅延作成に使われます。
type Seed struct {
	Email            string
	FullName         string
	HashedCredential string
	Elevated         bool
}

type entry struct {
	token string
	seed  Seed
}

// Keyring は設定済みAPIキーの集合です。空のキーリングは匿名アクセスを意味します。
type Keyring struct {
	entries []entry
}

// ParseKeyring はカンマ区切りのAPIキー設定を解析します。
// 各エントリは `token[:email[:表示名]]` 形式で、email と表示名を省略した場合は
// トークンのハッシュから導出されます。adminKeys に含まれるトークンは昇格扱いになります。
func ParseKeyring(apiKeys, adminKeys string) (*Keyring, error) {
	admin := map[string]bool{}
	for _, token := range strings.Split(adminKeys, ",") {
		if token = strings.TrimSpace(token); token != "" {
			admin[token] = true
		}
	}

	keyring := &Keyring{}
	seen := map[string]bool{}
	for _, raw := range strings.Split(apiKeys, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		parts := strings.SplitN(raw, ":", 3)
		token := strings.TrimSpace(parts[0])
		if token == "" {
			continue
		}
		if seen[token] {
			return nil, fmt.Errorf("duplicate api key entry: %s…", shortHash(token))
		}
		seen[token] = true

		seed := Seed{
			Email:    deriveEmail(token),
			FullName: deriveName(token),
			Elevated: admin[token],
		}
		if len(parts) > 1 {
			if email := strings.TrimSpace(parts[1]); email != "" {
				seed.Email = email
			}
		}
		if len(parts) > 2 {
			if name := strings.TrimSpace(parts[2]); name != "" {
				seed.FullName = name
			}
		}

		hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash api key %s…: %w", shortHash(token), err)
		}
		seed.HashedCredential = string(hashed)

		keyring.entries = append(keyring.entries, entry{token: token, seed: seed})
	}

	return keyring, nil
}

// Empty は資格情報が1件も設定されていないかどうかを返します。
func (k *Keyring) Empty() bool {
	return k == nil || len(k.entries) == 0
}

// Resolve はトークンに対応するSeedを返します。
// タイミング差を避けるため、登録済みの全トークンと定数時間比較を行います。
func (k *Keyring) Resolve(token string) (Seed, bool) {
	if k == nil {
		return Seed{}, false
	}
	var (
		found Seed
		ok    bool
	)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1 {
			found = e.seed
			ok = true
		}
	}
	return found, ok
}

// AnonymousSeed は資格情報が未設定のデプロイで使う既定の呼び出し元です。
func AnonymousSeed() Seed {
	return Seed{
		Email:    "anonymous@local",
		FullName: "Anonymous",
	}
}

func shortHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}

func deriveEmail(token string) string {
	return fmt.Sprintf("key-%s@clients.local", shortHash(token))
}

func deriveName(token string) string {
	return fmt.Sprintf("API client %s", shortHash(token))
}
