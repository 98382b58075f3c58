package ocr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/luolangaga/asgocr/config"
)

// WorkerState is the lifecycle state of a persistent worker.
type WorkerState int

const (
	StateNotStarted WorkerState = iota
	StateStarting
	StateReady
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrClosed is returned once the gateway or worker has been disposed.
	ErrClosed = errors.New("ocr: engine gateway closed")
	// ErrUnknownEngine is returned for an engine without a registered backend.
	ErrUnknownEngine = errors.New("ocr: unknown engine")
	// ErrTimeout marks startup, request and one-shot timeouts.
	ErrTimeout = errors.New("timed out")
	// ErrWorkerExited means the worker process went away.
	ErrWorkerExited = errors.New("worker exited")
	// ErrNoResponse means a one-shot run printed no protocol response.
	ErrNoResponse = errors.New("no response from worker")

	errRecycled = errors.New("worker recycled")
	errKilled   = errors.New("worker killed")
)

// CodeCapabilityMissing is the protocol error code for a missing language
// model or runtime.
const CodeCapabilityMissing = "capability_missing"

// CapabilityMissingError reports that an engine cannot run because a
// language model or runtime is absent.
type CapabilityMissingError struct {
	Engine     config.Engine
	Capability string
	Available  []string
	Detail     string
}

func (e *CapabilityMissingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s missing", e.Engine, e.Capability)
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	if len(e.Available) > 0 {
		fmt.Fprintf(&b, " (available: %s)", strings.Join(e.Available, ", "))
	} else if e.Capability != "runtime" {
		b.WriteString(" (available: none)")
	}
	return b.String()
}

// WorkerProtocolError covers timeouts, malformed output and disconnects of a
// worker. It never reaches callers of the recognition cycle directly; it
// triggers the fallback chain instead.
type WorkerProtocolError struct {
	Engine config.Engine
	Op     string
	Err    error
}

func (e *WorkerProtocolError) Error() string {
	return fmt.Sprintf("%s worker %s: %v", e.Engine, e.Op, e.Err)
}

func (e *WorkerProtocolError) Unwrap() error { return e.Err }

// RecognitionError is an {"ok":false} answer: the worker is healthy but could
// not recognize the image.
type RecognitionError struct {
	Engine  config.Engine
	Message string
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("%s recognition failed: %s", e.Engine, e.Message)
}

// WorkerStats is a snapshot of one worker's bookkeeping.
type WorkerStats struct {
	Engine     config.Engine
	State      WorkerState
	Generation int
	PID        int
	Served     int
	Pending    int
	LastID     int64
	GPU        bool
	OneShots   int
}
