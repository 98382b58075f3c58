package install

import (
	"errors"
	"fmt"
	"time"
)

// MaxLogLines bounds the rolling install log.
const MaxLogLines = 200

var (
	// ErrAlreadyRunning rejects a start while an install is in flight.
	ErrAlreadyRunning = errors.New("install: already running")
	// ErrNotInstalled is reported by Ready before a successful install.
	ErrNotInstalled = errors.New("install: paddleocr runtime not installed")
)

// State is a snapshot of the install pipeline.
type State struct {
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Logs       []string  `json:"logs"`
	ExitCode   int       `json:"exitCode"`
}

// Terminal reports whether a run has finished.
func (s State) Terminal() bool { return !s.Running && !s.FinishedAt.IsZero() }

// StartResult answers a start request.
type StartResult struct {
	Started   bool      `json:"started"`
	StartedAt time.Time `json:"startedAt"`
}

// InstallError records the step that failed and the exit code of the
// subprocess, if any.
type InstallError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *InstallError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("install %s: exit code %d: %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("install %s: %v", e.Step, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// logRing keeps the last MaxLogLines lines.
type logRing struct {
	lines []string
}

func (r *logRing) add(line string) {
	if len(r.lines) >= MaxLogLines {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:MaxLogLines-1]
	}
	r.lines = append(r.lines, line)
}

func (r *logRing) snapshot() []string {
	return append([]string(nil), r.lines...)
}
