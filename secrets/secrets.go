// Package secrets resolves credentials referenced by node configuration.
// Nodes never see how a credential is stored; they ask the resolver for a
// logical key ("openai_api_key") and receive the value or a typed miss.
package secrets

import (
	"context"
	"sync"

	"github.com/nodeflow/nodeflow/flowerrors"
)

type (
	// Resolver looks up a secret for a user. Implementations must be safe
	// for concurrent use.
	Resolver interface {
		// Resolve returns the secret value for key. A missing secret returns
		// an error of kind secret_not_found.
		Resolve(ctx context.Context, userID, key string) (string, error)
	}

	// Vault is the external secret store consulted for config-referenced
	// secret ids. Implementations wrap KMS, Vault, a database, etc.
	Vault interface {
		// Fetch returns the secret stored under id for the user, or an error
		// if the id is unknown.
		Fetch(ctx context.Context, userID, id string) (string, error)
	}

	// Chain resolves secrets by precedence: a config-referenced vault id
	// ("<key>_secret_id"), then a config literal under the key itself, then
	// process-wide defaults.
	Chain struct {
		vault    Vault
		config   map[string]any
		defaults *Static
	}

	// Static is a fixed in-memory secret map, used for process-wide defaults
	// and in tests.
	Static struct {
		mu     sync.RWMutex
		values map[string]string
	}
)

// NewStatic returns a Static resolver seeded with the given values.
func NewStatic(values map[string]string) *Static {
	s := &Static{values: make(map[string]string, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Set stores a secret value under key.
func (s *Static) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, _ string, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return "", flowerrors.New(flowerrors.KindSecretNotFound, "secret %q not found", key)
}

// NewChain builds a Chain over the node config. vault may be nil when no
// external store is configured; defaults may be nil.
func NewChain(vault Vault, config map[string]any, defaults *Static) *Chain {
	return &Chain{vault: vault, config: config, defaults: defaults}
}

// Resolve implements Resolver with the documented precedence.
func (c *Chain) Resolve(ctx context.Context, userID, key string) (string, error) {
	if c.config != nil {
		if ref, ok := c.config[key+"_secret_id"].(string); ok && ref != "" {
			if c.vault == nil {
				return "", flowerrors.New(flowerrors.KindSecretNotFound, "secret %q references vault id %q but no vault is configured", key, ref)
			}
			v, err := c.vault.Fetch(ctx, userID, ref)
			if err != nil {
				return "", flowerrors.Wrap(flowerrors.KindSecretNotFound, err, "secret %q (vault id %q)", key, ref)
			}
			return v, nil
		}
		if lit, ok := c.config[key].(string); ok && lit != "" {
			return lit, nil
		}
	}
	if c.defaults != nil {
		if v, err := c.defaults.Resolve(ctx, userID, key); err == nil {
			return v, nil
		}
	}
	return "", flowerrors.New(flowerrors.KindSecretNotFound, "secret %q not found", key)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, userID, key string) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, userID, key string) (string, error) {
	return f(ctx, userID, key)
}

