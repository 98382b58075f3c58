// Package resources ships the helper programs the engine spawns: the window
// capture script, the OS OCR worker script and the PaddleOCR worker. They are
// embedded at build time and written to a cache directory on first use, so
// the orchestrator only ever spawns files it shipped.
package resources

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

//go:embed files/*
var bundled embed.FS

// Names of the bundled helpers.
const (
	CaptureScript       = "capture_windows.ps1"
	WindowsWorkerScript = "windows_ocr_worker.ps1"
	PaddleWorkerScript  = "paddle_ocr_worker.py"
)

// Bytes returns the embedded content of a bundled helper.
func Bytes(name string) ([]byte, error) {
	data, err := bundled.ReadFile(path.Join("files", name))
	if err != nil {
		return nil, fmt.Errorf("bundled resource %s: %w", name, err)
	}
	return data, nil
}

// Names lists every bundled helper.
func Names() []string {
	entries, err := fs.ReadDir(bundled, "files")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// Materializer writes bundled helpers into a directory. File names carry a
// content digest so a newer build never runs a stale copy.
type Materializer struct {
	dir string

	mu    sync.Mutex
	paths map[string]string
}

// NewMaterializer writes into dir. An empty dir uses <user cache>/asgocr/bin.
func NewMaterializer(dir string) *Materializer {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "asgocr", "bin")
	}
	return &Materializer{dir: dir, paths: make(map[string]string)}
}

// Dir returns the output directory.
func (m *Materializer) Dir() string { return m.dir }

// Path returns an on-disk path for the named helper, writing it if needed.
func (m *Materializer) Path(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.paths[name]; ok {
		return p, nil
	}
	data, err := Bytes(name)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	ext := filepath.Ext(name)
	file := strings.TrimSuffix(name, ext) + "-" + hex.EncodeToString(sum[:6]) + ext
	p := filepath.Join(m.dir, file)
	if existing, err := os.ReadFile(p); err != nil || !bytes.Equal(existing, data) {
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return "", fmt.Errorf("create resource dir: %w", err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return "", fmt.Errorf("write resource %s: %w", name, err)
		}
	}
	m.paths[name] = p
	return p, nil
}
