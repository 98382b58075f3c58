// Package selector runs a region's preprocessing variants through an OCR
// engine and keeps the best-scoring text, retrying the whole loop on the
// other engine when the preferred one comes up empty.
package selector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/observability"
	"github.com/luolangaga/asgocr/preprocess"
)

// Engine is the recognition surface of the OCR gateway.
type Engine interface {
	Recognize(ctx context.Context, engine config.Engine, imagePath string) (string, error)
	Available(ctx context.Context, engine config.Engine) error
}

// Early-stop floors.
const (
	FloorWindows            = 18
	FloorPaddleSurvivors    = 10
	FloorPaddleSurvivorBans = 8
	FloorPaddleHunter       = 4
	FloorPaddleHunterBans   = 4
)

// Floors holds the score at which a region stops trying further variants.
type Floors struct {
	Windows float64
	Paddle  map[config.RegionKey]float64
}

// DefaultFloors returns the tuned floors.
func DefaultFloors() Floors {
	return Floors{
		Windows: FloorWindows,
		Paddle: map[config.RegionKey]float64{
			config.RegionSurvivors:    FloorPaddleSurvivors,
			config.RegionSurvivorBans: FloorPaddleSurvivorBans,
			config.RegionHunter:       FloorPaddleHunter,
			config.RegionHunterBans:   FloorPaddleHunterBans,
		},
	}
}

// For returns the floor for key on engine.
func (f Floors) For(engine config.Engine, key config.RegionKey) float64 {
	if engine == config.EnginePaddle {
		if v, ok := f.Paddle[key]; ok {
			return v
		}
		return FloorPaddleSurvivors
	}
	if f.Windows <= 0 {
		return FloorWindows
	}
	return f.Windows
}

// Options configures a Selector.
type Options struct {
	Floors     Floors
	Preprocess preprocess.Options
	// DisableCrossEngine turns off the retry on the other engine.
	DisableCrossEngine bool
	Log                observability.Logger
}

// Selector picks the best text per region.
type Selector struct {
	engine Engine
	opts   Options
	log    observability.Logger
}

// New returns a Selector driving engine.
func New(engine Engine, opts Options) *Selector {
	if opts.Floors.Paddle == nil && opts.Floors.Windows == 0 {
		opts.Floors = DefaultFloors()
	}
	return &Selector{engine: engine, opts: opts, log: observability.OrNop(opts.Log)}
}

// RegionResult is the outcome for one region.
type RegionResult struct {
	Region config.RegionKey
	// Text is the sanitized best text; empty when every attempt failed.
	Text    string
	Score   float64
	Engine  config.Engine
	Variant preprocess.VariantKind
	// Attempts counts engine calls across both engines.
	Attempts  int
	EarlyStop bool
	// FallbackReason is set when the other engine was tried.
	FallbackReason string
	// Err is the last engine error seen, kept for diagnostics even when a
	// later attempt produced text.
	Err      error
	Duration time.Duration
}

// RecognizeRegion builds the candidates for img, runs them on preferred and,
// if that yields no text and the other engine is available, once more on the
// other engine. Every variant file is removed before it returns.
func (s *Selector) RecognizeRegion(ctx context.Context, key config.RegionKey, img image.Image, preferred config.Engine) RegionResult {
	start := time.Now()
	res := RegionResult{Region: key, Engine: preferred}
	set, err := preprocess.BuildCandidates(img, key, s.opts.Preprocess)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}
	defer func() {
		if err := set.Cleanup(); err != nil {
			s.log.Warn("variant cleanup failed", observability.String("region", string(key)), observability.Err(err))
		}
	}()

	res = s.runLoop(ctx, preferred, set)
	if res.Text == "" && !s.opts.DisableCrossEngine && ctx.Err() == nil {
		other := preferred.Other()
		if availErr := s.engine.Available(ctx, other); availErr == nil {
			reason := fallbackReason(preferred, res.Err)
			s.log.Info("retrying region on other engine",
				observability.String("region", string(key)),
				observability.String("engine", string(other)),
				observability.String("reason", reason))
			alt := s.runLoop(ctx, other, set)
			alt.Attempts += res.Attempts
			alt.FallbackReason = reason
			if alt.Err == nil {
				alt.Err = res.Err
			}
			res = alt
		}
	}
	res.Duration = time.Since(start)
	s.log.Debug("region concluded",
		observability.String("region", string(key)),
		observability.String("engine", string(res.Engine)),
		observability.Float64("score", res.Score),
		observability.Int("attempts", res.Attempts),
		observability.Duration("took", res.Duration),
		observability.String("metric", observability.MetricRegionTime))
	return res
}

// runLoop tries the variants in order on one engine, stopping early once the
// best score reaches the floor.
func (s *Selector) runLoop(ctx context.Context, engine config.Engine, set *preprocess.CandidateSet) RegionResult {
	res := RegionResult{Region: set.Region, Engine: engine}
	if err := s.engine.Available(ctx, engine); err != nil {
		res.Err = err
		return res
	}
	floor := s.opts.Floors.For(engine, set.Region)
	for _, v := range set.Variants {
		if skipVariant(engine, v.Kind) {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		res.Attempts++
		raw, err := s.engine.Recognize(ctx, engine, v.Path)
		if err != nil {
			res.Err = err
			s.log.Debug("variant failed",
				observability.String("region", string(set.Region)),
				observability.String("variant", string(v.Kind)),
				observability.Err(err))
			continue
		}
		text := Sanitize(raw)
		if text == "" {
			continue
		}
		if score := Score(text); score > res.Score {
			res.Text, res.Score, res.Variant = text, score, v.Kind
		}
		if res.Score >= floor {
			res.EarlyStop = true
			break
		}
	}
	return res
}

// skipVariant reports variants known to hurt an engine. PaddleOCR does worse
// on binarized input.
func skipVariant(engine config.Engine, kind preprocess.VariantKind) bool {
	return engine == config.EnginePaddle && kind == preprocess.VariantBinarized
}

func fallbackReason(from config.Engine, err error) string {
	if err == nil {
		return fmt.Sprintf("%s returned no text", from)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s timed out", from)
	}
	return fmt.Sprintf("%s failed: %v", from, err)
}
