package secrets

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/bobmcallan/kabuka/internal/interfaces"
)

// EnvStore serves secrets from environment variables for local runs. The
// secret "jquants-refresh-token" is read from JQUANTS_REFRESH_TOKEN.
// Writes are kept in memory and shadow the environment.
type EnvStore struct {
	mu     sync.RWMutex
	values map[string]string
	lookup func(string) (string, bool)
}

// NewEnvStore creates a store backed by the process environment.
func NewEnvStore() *EnvStore {
	return &EnvStore{values: make(map[string]string), lookup: os.LookupEnv}
}

// EnvName maps a secret name to its environment variable.
func EnvName(secret string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(secret))
}

func (s *EnvStore) Get(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	v, ok := s.values[name]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}
	if v, ok := s.lookup(EnvName(name)); ok && v != "" {
		return v, nil
	}
	return "", interfaces.ErrSecretNotFound
}

func (s *EnvStore) Put(_ context.Context, name, value string) error {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
	return nil
}

var _ interfaces.SecretStore = (*EnvStore)(nil)
