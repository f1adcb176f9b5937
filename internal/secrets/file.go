package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileProvider reads secrets from a flat JSON object. Meant for local
// development; deployments should use the environment.
type FileProvider struct {
	path string
	mu   sync.RWMutex
	data map[string]string
}

// NewFileProvider loads the secrets file at path.
func NewFileProvider(path string) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("file path required")
	}
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	val, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%s in %s: %w", key, p.path, ErrNotFound)
	}
	return val, nil
}

// Reload rereads the file.
func (p *FileProvider) Reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("load secrets file: %w", err)
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse secrets file %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.data = data
	p.mu.Unlock()
	return nil
}
