package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

const lastPortKey = "last_port"

// StateStore persists small pieces of runtime state between launches.
type StateStore struct {
	path string
	mu   sync.Mutex
}

// NewStateStore returns a store backed by path. An empty path keeps nothing.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// LastPort returns the port an engine was last bound on, or 0.
func (s *StateStore) LastPort() int {
	if s == nil || s.path == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.read()
	if err != nil {
		return 0
	}
	port := v.GetInt(lastPortKey)
	if port <= 0 || port > 65535 {
		return 0
	}
	return port
}

// SaveLastPort records port for the next launch.
func (s *StateStore) SaveLastPort(port int) error {
	if s == nil || s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.read()
	if err != nil {
		v = viper.New()
	}
	v.Set(lastPortKey, port)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (s *StateStore) read() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v, nil
}
