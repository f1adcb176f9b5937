// Package secrets resolves credentials for the storage backends, such as
// the Neo4j password, from the environment or a secrets file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Well-known secret keys.
const (
	KeyGraphPassword = "graph_password"
	KeyGraphUsername = "graph_username"
)

// ErrNotFound is returned when no provider holds a secret.
var ErrNotFound = errors.New("secret not found")

// Provider is a secret backend.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Name() string
}

// Config selects the secret backend.
type Config struct {
	// Provider is "env" or "file".
	Provider string
	// File is the JSON secrets file of the file provider.
	File string
	// EnvPrefix is prepended to upper-cased keys (default "FIELDGRAPH_").
	EnvPrefix string
}

// DefaultConfig reads secrets from the environment.
func DefaultConfig() *Config {
	return &Config{Provider: "env", EnvPrefix: "FIELDGRAPH_"}
}

// Manager looks secrets up in a primary provider and falls back to the
// environment. Found values are cached.
type Manager struct {
	primary  Provider
	fallback Provider
	mu       sync.RWMutex
	cache    map[string]string
}

// NewManager creates a manager for cfg.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	env := NewEnvProvider(cfg.EnvPrefix)
	m := &Manager{primary: env, cache: make(map[string]string)}
	switch cfg.Provider {
	case "env", "":
	case "file":
		fp, err := NewFileProvider(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("create file provider: %w", err)
		}
		m.primary, m.fallback = fp, env
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}
	return m, nil
}

// Get returns a secret from the primary provider or the fallback.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	val, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return val, nil
	}
	for _, p := range []Provider{m.primary, m.fallback} {
		if p == nil {
			continue
		}
		if val, err := p.Get(ctx, key); err == nil && val != "" {
			m.mu.Lock()
			m.cache[key] = val
			m.mu.Unlock()
			return val, nil
		}
	}
	return "", fmt.Errorf("%s: %w", key, ErrNotFound)
}

// Resolve returns value when set and the secret key otherwise. A missing
// secret resolves to the empty string.
func (m *Manager) Resolve(ctx context.Context, value, key string) string {
	if value != "" {
		return value
	}
	val, err := m.Get(ctx, key)
	if err != nil {
		return ""
	}
	return val
}

// ClearCache drops cached values.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]string)
	m.mu.Unlock()
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment provider. Keys are upper-cased and
// looked up with the prefix first.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "FIELDGRAPH_"
	}
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	envKey := p.prefix + strings.ToUpper(key)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	if val := os.Getenv(strings.ToUpper(key)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("env var %s: %w", envKey, ErrNotFound)
}
