// Package recognition runs draft-phase recognition cycles: capture the game
// window, OCR each configured region, resolve the text against the roster and
// optionally hand the result to an Applier.
package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/luolangaga/asgocr/capture"
	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/install"
	"github.com/luolangaga/asgocr/observability"
	"github.com/luolangaga/asgocr/resolver"
	"github.com/luolangaga/asgocr/selector"
)

// Options wires a Service. Store, Capture, Engine and Roster are required.
type Options struct {
	Store   *config.Store
	Capture capture.WindowCapture
	Engine  selector.Engine
	Roster  RosterProvider

	Applier   Applier
	Installer Installer

	Selector selector.Options
	Resolver resolver.Options

	Log    observability.Logger
	Tracer observability.Tracer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service is the public surface of the recognition engine.
type Service struct {
	store     *config.Store
	capture   capture.WindowCapture
	engine    selector.Engine
	roster    RosterProvider
	applier   Applier
	installer Installer
	sel       *selector.Selector
	res       *resolver.Resolver
	log       observability.Logger
	tracer    observability.Tracer
	now       func() time.Time

	busy   atomic.Bool
	closed atomic.Bool
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("recognition: config store is required")
	case opts.Capture == nil:
		return nil, errors.New("recognition: window capture is required")
	case opts.Engine == nil:
		return nil, errors.New("recognition: ocr engine is required")
	case opts.Roster == nil:
		return nil, errors.New("recognition: roster provider is required")
	}
	log := observability.OrNop(opts.Log)
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	selOpts := opts.Selector
	if selOpts.Log == nil {
		selOpts.Log = log
	}
	resOpts := opts.Resolver
	if resOpts.Log == nil {
		resOpts.Log = log
	}
	return &Service{
		store:     opts.Store,
		capture:   opts.Capture,
		engine:    opts.Engine,
		roster:    opts.Roster,
		applier:   opts.Applier,
		installer: opts.Installer,
		sel:       selector.New(opts.Engine, selOpts),
		res:       resolver.New(resOpts),
		log:       log,
		tracer:    tracer,
		now:       now,
	}, nil
}

// ListWindowSources enumerates capturable windows.
func (s *Service) ListWindowSources(ctx context.Context) ([]capture.Source, error) {
	return s.capture.ListSources(ctx)
}

// GetConfig returns the current configuration.
func (s *Service) GetConfig() config.Config { return s.store.Get() }

// UpdateConfig merges patch into the stored configuration.
func (s *Service) UpdateConfig(patch config.Patch) (config.Config, error) {
	return s.store.Update(patch)
}

// CapturePreview snapshots a window as a PNG data URL. An empty sourceID uses
// the configured window.
func (s *Service) CapturePreview(ctx context.Context, sourceID string) (Preview, error) {
	var (
		frame capture.Frame
		err   error
	)
	if sourceID != "" {
		frame, err = s.capture.CaptureFrame(ctx, sourceID)
	} else {
		frame, err = s.captureConfigured(ctx, s.store.Get())
	}
	if err != nil {
		return Preview{}, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame.Image, imaging.PNG); err != nil {
		return Preview{}, fmt.Errorf("encode preview: %w", err)
	}
	w, h := frame.Size()
	return Preview{
		SourceID:   frame.Source.ID,
		SourceName: frame.Source.Name,
		Width:      w,
		Height:     h,
		Image:      "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// captureConfigured captures by configured id, falling back to a window name
// match when the id is empty or stale.
func (s *Service) captureConfigured(ctx context.Context, cfg config.Config) (capture.Frame, error) {
	if cfg.WindowSourceID == "" && cfg.WindowName == "" {
		return capture.Frame{}, ErrNoSource
	}
	if cfg.WindowSourceID != "" {
		frame, err := s.capture.CaptureFrame(ctx, cfg.WindowSourceID)
		if err == nil || !errors.Is(err, capture.ErrSourceNotFound) || cfg.WindowName == "" {
			return frame, err
		}
		s.log.Debug("configured source gone, matching by name",
			observability.String("source", cfg.WindowSourceID),
			observability.String("name", cfg.WindowName))
	}
	sources, err := s.capture.ListSources(ctx)
	if err != nil {
		return capture.Frame{}, err
	}
	src, ok := capture.ResolveSource(sources, "", cfg.WindowName)
	if !ok {
		return capture.Frame{}, &capture.CaptureError{SourceID: cfg.WindowName, Err: capture.ErrSourceNotFound}
	}
	return s.capture.CaptureFrame(ctx, src.ID)
}

// RecognizeOnce runs one cycle. Only one cycle runs at a time; a concurrent
// call fails fast with ErrBusy. Region failures never fail the cycle; capture
// and roster failures do.
func (s *Service) RecognizeOnce(ctx context.Context, opts RecognizeOptions) Result {
	if s.closed.Load() {
		return Result{Error: "recognition: service closed"}
	}
	if !s.busy.CompareAndSwap(false, true) {
		return Result{Error: ErrBusy.Error()}
	}
	defer s.busy.Store(false)

	ctx, span := s.tracer.StartSpan(ctx, observability.SpanRecognizeOnce)
	defer span.Finish()

	data, err := s.recognize(ctx, opts)
	if err != nil {
		span.SetError(err)
		s.log.Warn("recognition cycle failed", observability.Err(err))
		return Result{Error: err.Error()}
	}
	span.SetTag("source", data.SourceID)
	return Result{Success: true, Data: data}
}

func (s *Service) recognize(ctx context.Context, opts RecognizeOptions) (*Data, error) {
	start := s.now()
	cfg := s.store.Get()
	if opts.Config != nil {
		var errs []error
		cfg, errs = config.Normalize(cfg, *opts.Config)
		for _, e := range errs {
			s.log.Debug("cycle config normalized", observability.Err(e))
		}
	}

	roster, err := s.roster.CharacterIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	frame, err := s.captureConfigured(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w, h := frame.Size()

	data := &Data{
		Timestamp:  start,
		SourceID:   frame.Source.ID,
		SourceName: frame.Source.Name,
		WindowSize: Size{Width: w, Height: h},
		Raw:        make(map[config.RegionKey]string),
		Matched:    make(map[config.RegionKey][]string),
		RecognitionMeta: Meta{
			PreferredEngine: cfg.PreferredEngine,
			Threshold:       cfg.FuzzyThreshold,
			Regions:         make(map[config.RegionKey]RegionMeta),
			EmptyRegions:    []config.RegionKey{},
		},
	}
	meta := &data.RecognitionMeta

	for _, key := range cfg.ActiveRegions() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		crop, ok := capture.Crop(frame, *cfg.Region(key))
		if !ok {
			meta.SkippedRegions = append(meta.SkippedRegions, key)
			s.log.Debug("region too small for frame", observability.String("region", string(key)))
			continue
		}
		rm := s.recognizeRegion(ctx, key, crop, cfg.PreferredEngine)
		if rm.text == "" {
			meta.EmptyRegions = append(meta.EmptyRegions, key)
		}
		data.Raw[key] = rm.text
		matches := s.res.Resolve(roster, key, rm.text, cfg.FuzzyThreshold)
		data.Matched[key] = resolver.Names(matches)
		for _, m := range matches {
			rm.meta.Matches = append(rm.meta.Matches, MatchMeta{Name: m.Name, Score: m.Score, Method: m.Method})
		}
		meta.Regions[key] = rm.meta
	}

	if opts.Apply {
		ar := s.apply(ctx, data.Matched, data.Raw)
		data.ApplyResult = &ar
	}
	meta.DurationMs = s.now().Sub(start).Milliseconds()
	s.log.Info("recognition cycle done",
		observability.String("source", data.SourceID),
		observability.Int("regions", len(meta.Regions)),
		observability.Int("empty", len(meta.EmptyRegions)),
		observability.Int64("durationMs", meta.DurationMs),
		observability.String("metric", observability.MetricCycleTime))
	return data, nil
}

type regionOutcome struct {
	text string
	meta RegionMeta
}

func (s *Service) recognizeRegion(ctx context.Context, key config.RegionKey, crop image.Image, preferred config.Engine) regionOutcome {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanRegion)
	defer span.Finish()
	span.SetTag("region", string(key))

	r := s.sel.RecognizeRegion(ctx, key, crop, preferred)
	span.SetTag("engine", string(r.Engine))
	meta := RegionMeta{
		Engine:         r.Engine,
		Variant:        r.Variant,
		Score:          r.Score,
		Attempts:       r.Attempts,
		EarlyStop:      r.EarlyStop,
		FallbackReason: r.FallbackReason,
		DurationMs:     r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		meta.Error = r.Err.Error()
		if r.Text == "" {
			span.SetError(r.Err)
		}
	}
	return regionOutcome{text: r.Text, meta: meta}
}

func (s *Service) apply(ctx context.Context, matched map[config.RegionKey][]string, raw map[config.RegionKey]string) ApplyResult {
	if s.applier == nil {
		return ApplyResult{Reason: "no applier configured"}
	}
	ar, err := s.applier.ApplyMatchedResult(ctx, matched, raw)
	if err != nil {
		s.log.Warn("apply failed", observability.Err(err))
		return ApplyResult{Reason: err.Error()}
	}
	return ar
}

// Run repeats RecognizeOnce until ctx is done, waiting the configured
// interval after each cycle. The interval is re-read every cycle.
func (s *Service) Run(ctx context.Context, apply bool, onResult func(Result)) error {
	for {
		res := s.RecognizeOnce(ctx, RecognizeOptions{Apply: apply})
		if onResult != nil {
			onResult(res)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		interval := time.Duration(s.store.Get().IntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = config.DefaultIntervalMs * time.Millisecond
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetInstallStatus reports the PaddleOCR install state.
func (s *Service) GetInstallStatus() install.State {
	if s.installer == nil {
		return install.State{Message: ErrNoInstaller.Error()}
	}
	return s.installer.Status()
}

// InstallPaddleOCR starts provisioning the PaddleOCR runtime in the background.
func (s *Service) InstallPaddleOCR(ctx context.Context) (install.StartResult, error) {
	if s.installer == nil {
		return install.StartResult{}, ErrNoInstaller
	}
	return s.installer.Start(ctx)
}

// Close releases the OCR workers. It is safe to call more than once.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d, ok := s.engine.(interface{ Dispose() }); ok {
		d.Dispose()
	}
	return nil
}
