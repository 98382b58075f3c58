package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/luolangaga/asgocr/observability"
)

// FileName is the default name of the persisted configuration file.
const FileName = "ocr-config.json"

// DefaultPath returns the per-user location of the configuration file.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, "asgocr", FileName), nil
}

// Store keeps the current Config in memory and persists every replacement.
type Store struct {
	path string
	log  observability.Logger

	mu  sync.RWMutex
	cfg Config
}

// Open loads the configuration at path. A missing or unreadable file yields
// defaults, which are written back so the file always exists afterwards.
func Open(path string, log observability.Logger) (*Store, error) {
	s := &Store{path: path, log: observability.OrNop(log)}
	cfg, dirty, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	if dirty {
		if err := s.persist(cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() (Config, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("config not found, creating defaults", observability.String("path", s.path))
		return Defaults(), true, nil
	}
	if err != nil {
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}
	var patch Patch
	if err := json.Unmarshal(data, &patch); err != nil {
		s.log.Warn("config unreadable, using defaults", observability.String("path", s.path), observability.Err(err))
		return Defaults(), true, nil
	}
	// A stored region set replaces the defaults wholesale; absent keys mean nil.
	cfg, errs := Normalize(Defaults(), patch)
	for _, e := range errs {
		s.log.Warn("config normalized", observability.Err(e))
	}
	return cfg, len(errs) > 0, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update merges patch into the current configuration, persists the result and
// returns it. Invalid fields are normalized, never rejected.
func (s *Store) Update(patch Patch) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, errs := Normalize(s.cfg, patch)
	for _, e := range errs {
		s.log.Warn("config normalized", observability.Err(e))
	}
	if err := s.persist(next); err != nil {
		return s.cfg.Clone(), err
	}
	s.cfg = next
	return next.Clone(), nil
}

func (s *Store) persist(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ocr-config-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
