package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/luolangaga/asgocr/resolver"
)

// FileRoster reads the roster from a JSON file of the form
// {"survivors": [...], "hunters": [...]}. The file is re-read when its
// modification time or size changes.
type FileRoster struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	roster  resolver.Roster
}

// NewFileRoster returns a roster backed by path.
func NewFileRoster(path string) *FileRoster {
	return &FileRoster{path: path}
}

func (f *FileRoster) CharacterIndex(ctx context.Context) (resolver.Roster, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return resolver.Roster{}, fmt.Errorf("roster: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.ModTime().Equal(f.modTime) && info.Size() == f.size {
		return f.roster, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return resolver.Roster{}, fmt.Errorf("roster: %w", err)
	}
	var r resolver.Roster
	if err := json.Unmarshal(data, &r); err != nil {
		return resolver.Roster{}, fmt.Errorf("roster %s: %w", f.path, err)
	}
	if len(r.Survivors) == 0 && len(r.Hunters) == 0 {
		return resolver.Roster{}, fmt.Errorf("roster %s: no names", f.path)
	}
	f.roster, f.modTime, f.size = r, info.ModTime(), info.Size()
	return r, nil
}
