// Package config holds the persisted OCR capture settings: which window to
// capture, how often, which engine to prefer, the matching threshold, and the
// four normalized capture regions.
package config

import (
	"fmt"
	"math"
	"strings"
)

// RegionKey names one of the fixed capture regions.
type RegionKey string

const (
	RegionSurvivors    RegionKey = "survivors"
	RegionHunter       RegionKey = "hunter"
	RegionSurvivorBans RegionKey = "survivorBans"
	RegionHunterBans   RegionKey = "hunterBans"
)

// RegionKeys lists every region in processing order.
var RegionKeys = []RegionKey{RegionSurvivors, RegionHunter, RegionSurvivorBans, RegionHunterBans}

// Valid reports whether k is one of the known region keys.
func (k RegionKey) Valid() bool {
	for _, known := range RegionKeys {
		if k == known {
			return true
		}
	}
	return false
}

// IsBan reports whether the region holds a ban list.
func (k RegionKey) IsBan() bool { return k == RegionSurvivorBans || k == RegionHunterBans }

// IsHunterSide reports whether names in the region come from the hunter roster.
func (k RegionKey) IsHunterSide() bool { return k == RegionHunter || k == RegionHunterBans }

// Engine identifies an OCR backend.
type Engine string

const (
	// EngineWindows is the lightweight OS-provided engine.
	EngineWindows Engine = "windows"
	// EnginePaddle is the heavier engine running on an installed interpreter.
	EnginePaddle Engine = "paddleocr"
)

// Valid reports whether e is a known engine.
func (e Engine) Valid() bool { return e == EngineWindows || e == EnginePaddle }

// Other returns the alternate engine.
func (e Engine) Other() Engine {
	if e == EnginePaddle {
		return EngineWindows
	}
	return EnginePaddle
}

// CaptureRegion is a rectangle relative to the captured window, every field in [0,1].
type CaptureRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Config is the full, normalized OCR configuration.
type Config struct {
	WindowSourceID  string                       `json:"windowSourceId"`
	WindowName      string                       `json:"windowName"`
	IntervalMs      int                          `json:"intervalMs"`
	PreferredEngine Engine                       `json:"preferredEngine"`
	FuzzyThreshold  float64                      `json:"fuzzyThreshold"`
	Regions         map[RegionKey]*CaptureRegion `json:"regions"`
}

// Patch is a partial update. Nil fields are left untouched. A region key
// present in Regions with a nil value clears that region.
type Patch struct {
	WindowSourceID  *string                      `json:"windowSourceId,omitempty"`
	WindowName      *string                      `json:"windowName,omitempty"`
	IntervalMs      *int                         `json:"intervalMs,omitempty"`
	PreferredEngine *Engine                      `json:"preferredEngine,omitempty"`
	FuzzyThreshold  *float64                     `json:"fuzzyThreshold,omitempty"`
	Regions         map[RegionKey]*CaptureRegion `json:"regions,omitempty"`
}

const (
	MinIntervalMs         = 1000
	MaxIntervalMs         = 30000
	DefaultIntervalMs     = 3000
	MinFuzzyThreshold     = 0.3
	MaxFuzzyThreshold     = 0.95
	DefaultFuzzyThreshold = 0.56
	DefaultWindowName     = "第五人格"
	DefaultEngine         = EngineWindows
)

// ConfigError records a field that Normalize had to replace or clamp.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Defaults returns the configuration used on first load.
func Defaults() Config {
	return Config{
		WindowName:      DefaultWindowName,
		IntervalMs:      DefaultIntervalMs,
		PreferredEngine: DefaultEngine,
		FuzzyThreshold:  DefaultFuzzyThreshold,
		Regions:         emptyRegions(),
	}
}

func emptyRegions() map[RegionKey]*CaptureRegion {
	m := make(map[RegionKey]*CaptureRegion, len(RegionKeys))
	for _, k := range RegionKeys {
		m[k] = nil
	}
	return m
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.Regions = emptyRegions()
	for k, r := range c.Regions {
		if r != nil {
			cp := *r
			out.Regions[k] = &cp
		}
	}
	return out
}

// Region returns the configured region for k, or nil.
func (c Config) Region(k RegionKey) *CaptureRegion {
	if c.Regions == nil {
		return nil
	}
	return c.Regions[k]
}

// ActiveRegions returns the keys with a non-nil region, in processing order.
func (c Config) ActiveRegions() []RegionKey {
	var keys []RegionKey
	for _, k := range RegionKeys {
		if c.Region(k) != nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Normalize merges patch over base and clamps every field into its valid
// range. It never fails; replaced fields are reported as ConfigErrors.
//
// Per-field rules:
//   - windowSourceId, windowName: trimmed.
//   - intervalMs: clamped to [1000,30000]; non-positive falls back to 3000.
//   - preferredEngine: unknown values fall back to "windows".
//   - fuzzyThreshold: clamped to [0.3,0.95]; NaN/Inf falls back to 0.56.
//   - regions: unknown keys are dropped; each rect is clamped into the unit
//     square and becomes nil if it ends up empty.
func Normalize(base Config, patch Patch) (Config, []error) {
	out := base.Clone()
	if patch.WindowSourceID != nil {
		out.WindowSourceID = *patch.WindowSourceID
	}
	if patch.WindowName != nil {
		out.WindowName = *patch.WindowName
	}
	if patch.IntervalMs != nil {
		out.IntervalMs = *patch.IntervalMs
	}
	if patch.PreferredEngine != nil {
		out.PreferredEngine = *patch.PreferredEngine
	}
	if patch.FuzzyThreshold != nil {
		out.FuzzyThreshold = *patch.FuzzyThreshold
	}
	for k, r := range patch.Regions {
		if r == nil {
			out.Regions[k] = nil
			continue
		}
		cp := *r
		out.Regions[k] = &cp
	}
	return sanitize(out)
}

func sanitize(c Config) (Config, []error) {
	var errs []error
	c.WindowSourceID = strings.TrimSpace(c.WindowSourceID)
	c.WindowName = strings.TrimSpace(c.WindowName)

	switch {
	case c.IntervalMs <= 0:
		errs = append(errs, &ConfigError{"intervalMs", fmt.Sprintf("%d is not positive", c.IntervalMs)})
		c.IntervalMs = DefaultIntervalMs
	case c.IntervalMs < MinIntervalMs:
		errs = append(errs, &ConfigError{"intervalMs", fmt.Sprintf("%d raised to %d", c.IntervalMs, MinIntervalMs)})
		c.IntervalMs = MinIntervalMs
	case c.IntervalMs > MaxIntervalMs:
		errs = append(errs, &ConfigError{"intervalMs", fmt.Sprintf("%d lowered to %d", c.IntervalMs, MaxIntervalMs)})
		c.IntervalMs = MaxIntervalMs
	}

	if !c.PreferredEngine.Valid() {
		if c.PreferredEngine != "" {
			errs = append(errs, &ConfigError{"preferredEngine", fmt.Sprintf("unknown engine %q", c.PreferredEngine)})
		}
		c.PreferredEngine = DefaultEngine
	}

	switch {
	case math.IsNaN(c.FuzzyThreshold) || math.IsInf(c.FuzzyThreshold, 0) || c.FuzzyThreshold == 0:
		if c.FuzzyThreshold != 0 {
			errs = append(errs, &ConfigError{"fuzzyThreshold", "not a finite number"})
		}
		c.FuzzyThreshold = DefaultFuzzyThreshold
	case c.FuzzyThreshold < MinFuzzyThreshold:
		errs = append(errs, &ConfigError{"fuzzyThreshold", fmt.Sprintf("%.3f raised to %.2f", c.FuzzyThreshold, MinFuzzyThreshold)})
		c.FuzzyThreshold = MinFuzzyThreshold
	case c.FuzzyThreshold > MaxFuzzyThreshold:
		errs = append(errs, &ConfigError{"fuzzyThreshold", fmt.Sprintf("%.3f lowered to %.2f", c.FuzzyThreshold, MaxFuzzyThreshold)})
		c.FuzzyThreshold = MaxFuzzyThreshold
	}

	regions := emptyRegions()
	for k, r := range c.Regions {
		if !k.Valid() {
			errs = append(errs, &ConfigError{"regions", fmt.Sprintf("unknown region %q dropped", k)})
			continue
		}
		if r == nil {
			continue
		}
		norm, ok := NormalizeRegion(*r)
		if !ok {
			errs = append(errs, &ConfigError{"regions." + string(k), "empty or invalid rect cleared"})
			continue
		}
		regions[k] = &norm
	}
	c.Regions = regions
	return c, errs
}

// NormalizeRegion clamps r into the unit square so that x+width<=1 and
// y+height<=1. It reports false when the result has no area.
func NormalizeRegion(r CaptureRegion) (CaptureRegion, bool) {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return CaptureRegion{}, false
		}
	}
	r.X = clamp01(r.X)
	r.Y = clamp01(r.Y)
	r.Width = math.Min(clamp01(r.Width), 1-r.X)
	r.Height = math.Min(clamp01(r.Height), 1-r.Y)
	if r.Width <= 0 || r.Height <= 0 {
		return CaptureRegion{}, false
	}
	return r, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
