// Package secrets keeps the bearer tokens of remote turn resolvers and
// summarizers encrypted in the store.
package secrets

import (
	"context"
	"strings"

	"github.com/rendis/flowsim/pkg/schema"
)

// Well-known credential keys.
const (
	KeyResolverToken   = "resolver.token"
	KeySummarizerToken = "summarizer.token"

	// saltKey holds the PBKDF2 salt in plaintext; it is hidden from List.
	saltKey = "vault.salt"
)

// Vault stores and resolves credentials. Values are encrypted at rest and
// decrypted in memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence the vault needs. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Token resolves key as a trimmed bearer token. A missing key yields "" and
// no error, so callers can run unauthenticated.
func Token(ctx context.Context, v Vault, key string) (string, error) {
	if v == nil || key == "" {
		return "", nil
	}
	raw, err := v.Resolve(ctx, key)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
