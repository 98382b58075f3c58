package recognition

import (
	"context"
	"errors"
	"time"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/install"
	"github.com/luolangaga/asgocr/preprocess"
	"github.com/luolangaga/asgocr/resolver"
)

var (
	// ErrBusy rejects a recognition cycle while another is running.
	ErrBusy = errors.New("recognition: a cycle is already running")
	// ErrNoSource means neither a window id nor a window name is configured.
	ErrNoSource = errors.New("recognition: no window source configured")
	// ErrNoInstaller is returned by install operations without a Manager.
	ErrNoInstaller = errors.New("recognition: installer not configured")
)

// RosterProvider supplies the roster of record for each cycle.
type RosterProvider interface {
	CharacterIndex(ctx context.Context) (resolver.Roster, error)
}

// StaticRoster is a fixed roster.
type StaticRoster resolver.Roster

func (r StaticRoster) CharacterIndex(ctx context.Context) (resolver.Roster, error) {
	return resolver.Roster(r), nil
}

// ApplyResult is the collaborator's answer to a commit request.
type ApplyResult struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Applier commits resolved names into application state. The engine never
// mutates that state itself.
type Applier interface {
	ApplyMatchedResult(ctx context.Context, matched map[config.RegionKey][]string, raw map[config.RegionKey]string) (ApplyResult, error)
}

// Installer provisions the PaddleOCR runtime.
type Installer interface {
	Start(ctx context.Context) (install.StartResult, error)
	Status() install.State
}

// RecognizeOptions controls one cycle.
type RecognizeOptions struct {
	// Apply hands the result to the Applier.
	Apply bool
	// Config is merged over the stored config for this cycle only.
	Config *config.Patch
}

// Result is the outcome of RecognizeOnce.
type Result struct {
	Success bool   `json:"success"`
	Data    *Data  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Size is a frame size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Data is a successful cycle's payload.
type Data struct {
	Timestamp       time.Time                     `json:"timestamp"`
	SourceID        string                        `json:"sourceId"`
	SourceName      string                        `json:"sourceName"`
	WindowSize      Size                          `json:"windowSize"`
	Raw             map[config.RegionKey]string   `json:"raw"`
	Matched         map[config.RegionKey][]string `json:"matched"`
	ApplyResult     *ApplyResult                  `json:"applyResult,omitempty"`
	RecognitionMeta Meta                          `json:"recognitionMeta"`
}

// Meta describes how a cycle ran.
type Meta struct {
	PreferredEngine config.Engine                   `json:"preferredEngine"`
	Threshold       float64                         `json:"threshold"`
	DurationMs      int64                           `json:"durationMs"`
	Regions         map[config.RegionKey]RegionMeta `json:"regions"`
	// EmptyRegions were attempted but produced no text on any engine.
	EmptyRegions []config.RegionKey `json:"emptyRegions"`
	// SkippedRegions mapped to a rectangle of 1px or less in this frame.
	SkippedRegions []config.RegionKey `json:"skippedRegions,omitempty"`
}

// RegionMeta describes one region's attempts.
type RegionMeta struct {
	Engine         config.Engine          `json:"engine"`
	Variant        preprocess.VariantKind `json:"variant,omitempty"`
	Score          float64                `json:"score"`
	Attempts       int                    `json:"attempts"`
	EarlyStop      bool                   `json:"earlyStop"`
	FallbackReason string                 `json:"fallbackReason,omitempty"`
	Error          string                 `json:"error,omitempty"`
	DurationMs     int64                  `json:"durationMs"`
	Matches        []MatchMeta            `json:"matches,omitempty"`
}

// MatchMeta records how a name was resolved.
type MatchMeta struct {
	Name   string          `json:"name"`
	Score  float64         `json:"score"`
	Method resolver.Method `json:"method"`
}

// Preview is a full-window snapshot for region calibration.
type Preview struct {
	SourceID   string `json:"sourceId"`
	SourceName string `json:"sourceName"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	// Image is a data URL holding a PNG.
	Image string `json:"image"`
}
