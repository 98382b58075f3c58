package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/luolangaga/asgocr/capture"
	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/install"
)

const testSourceID = "file:draft.png"

var testRoster = StaticRoster{
	Survivors: []string{"医生", "律师", "慈善家", "园丁", "冒险家", "佣兵", "魔术师", "空军"},
	Hunters:   []string{"厂长", "小丑", "红蝶", "杰克", "孟婆", "红夫人"},
}

var testRegions = map[config.RegionKey]*config.CaptureRegion{
	config.RegionSurvivors:    {X: 0.1, Y: 0.8, Width: 0.5, Height: 0.1},
	config.RegionHunter:       {X: 0.7, Y: 0.8, Width: 0.2, Height: 0.1},
	config.RegionSurvivorBans: {X: 0.05, Y: 0.05, Width: 0.3, Height: 0.08},
	config.RegionHunterBans:   {X: 0.65, Y: 0.05, Width: 0.3, Height: 0.08},
}

// fakeEngine answers by the region encoded in the variant file name.
type fakeEngine struct {
	mu        sync.Mutex
	texts     map[config.RegionKey]string
	available map[config.Engine]bool
	calls     []config.Engine
	entered   chan struct{}
	gate      chan struct{}
	disposed  bool
}

func newFakeEngine(texts map[config.RegionKey]string) *fakeEngine {
	return &fakeEngine{
		texts:     texts,
		available: map[config.Engine]bool{config.EngineWindows: true},
	}
}

func (f *fakeEngine) Available(ctx context.Context, engine config.Engine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available[engine] {
		return fmt.Errorf("%s unavailable", engine)
	}
	return nil
}

func (f *fakeEngine) Recognize(ctx context.Context, engine config.Engine, path string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, engine)
	entered, gate := f.entered, f.gate
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	img, err := imaging.Open(path)
	if err != nil {
		return "", err
	}
	if b := img.Bounds(); b.Dx() < 2 || b.Dy() < 2 {
		return "", fmt.Errorf("degenerate variant %dx%d", b.Dx(), b.Dy())
	}
	return f.texts[regionOf(path)], nil
}

func (f *fakeEngine) Dispose() {
	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()
}

func regionOf(path string) config.RegionKey {
	base := strings.TrimPrefix(filepath.Base(path), "asgocr-")
	key, _, _ := strings.Cut(base, "-")
	return config.RegionKey(key)
}

// draftFrame renders a 1920x1080 frame with a label in every region.
func draftFrame() *image.NRGBA {
	img := imaging.New(1920, 1080, color.NRGBA{R: 24, G: 26, B: 32, A: 255})
	d := &font.Drawer{Dst: img, Src: image.White, Face: basicfont.Face7x13}
	for key, r := range testRegions {
		d.Dot = fixed.P(int(r.X*1920)+8, int(r.Y*1080)+20)
		d.DrawString(strings.ToUpper(string(key)))
	}
	return img
}

type fakeApplier struct {
	calls   int
	matched map[config.RegionKey][]string
	result  ApplyResult
	err     error
}

func (a *fakeApplier) ApplyMatchedResult(ctx context.Context, matched map[config.RegionKey][]string, raw map[config.RegionKey]string) (ApplyResult, error) {
	a.calls++
	a.matched = matched
	return a.result, a.err
}

type fixture struct {
	svc    *Service
	store  *config.Store
	engine *fakeEngine
}

func newFixture(t *testing.T, engine *fakeEngine, regions map[config.RegionKey]*config.CaptureRegion, mutate func(*Options)) fixture {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "config.json"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	id := testSourceID
	if _, err := store.Update(config.Patch{WindowSourceID: &id, Regions: regions}); err != nil {
		t.Fatalf("update store: %v", err)
	}
	opts := Options{
		Store:   store,
		Capture: capture.NewStillCapture(capture.Source{ID: testSourceID, Name: "第五人格"}, draftFrame()),
		Engine:  engine,
		Roster:  testRoster,
	}
	opts.Selector.Preprocess.Dir = t.TempDir()
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return fixture{svc: svc, store: store, engine: engine}
}

func draftTexts() map[config.RegionKey]string {
	return map[config.RegionKey]string{
		config.RegionSurvivors:    "医生 律师 慈善家 园丁 冒险家 佣兵",
		config.RegionHunter:       "孟婆 红夫人",
		config.RegionSurvivorBans: "红夫人 魔术师 空军",
		config.RegionHunterBans:   "医生 杰克 小丑",
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestRecognizeOnceEndToEnd(t *testing.T) {
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, nil)

	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{})
	if !res.Success {
		t.Fatalf("cycle failed: %s", res.Error)
	}
	d := res.Data
	if d.SourceID != testSourceID || d.WindowSize != (Size{Width: 1920, Height: 1080}) {
		t.Fatalf("unexpected source/size: %s %+v", d.SourceID, d.WindowSize)
	}
	if d.ApplyResult != nil {
		t.Fatalf("apply result without apply: %+v", d.ApplyResult)
	}

	survivors := d.Matched[config.RegionSurvivors]
	if len(survivors) == 0 || len(survivors) > 4 {
		t.Fatalf("survivors = %v, want 1..4 names", survivors)
	}
	if !contains(survivors, "医生") {
		t.Fatalf("survivors %v missing exact match 医生", survivors)
	}
	if got := d.Matched[config.RegionHunter]; len(got) != 1 || got[0] != "孟婆" {
		t.Fatalf("hunter = %v, want [孟婆]", got)
	}
	checkSide := func(key config.RegionKey, allowed []string) {
		names := d.Matched[key]
		if len(names) > 3 {
			t.Fatalf("%s has %d names, cap is 3", key, len(names))
		}
		for _, n := range names {
			if !contains(allowed, n) {
				t.Fatalf("%s contains %q from the other side", key, n)
			}
		}
	}
	checkSide(config.RegionSurvivors, testRoster.Survivors)
	checkSide(config.RegionSurvivorBans, testRoster.Survivors)
	checkSide(config.RegionHunterBans, testRoster.Hunters)
	if !contains(d.Matched[config.RegionSurvivorBans], "魔术师") {
		t.Fatalf("survivor bans %v missing 魔术师", d.Matched[config.RegionSurvivorBans])
	}
	if !contains(d.Matched[config.RegionHunterBans], "杰克") {
		t.Fatalf("hunter bans %v missing 杰克", d.Matched[config.RegionHunterBans])
	}

	meta := d.RecognitionMeta
	if len(meta.Regions) != 4 || len(meta.EmptyRegions) != 0 {
		t.Fatalf("meta regions=%d empty=%v", len(meta.Regions), meta.EmptyRegions)
	}
	for key, rm := range meta.Regions {
		if rm.Engine != config.EngineWindows || rm.Attempts < 1 || rm.FallbackReason != "" {
			t.Fatalf("%s meta = %+v", key, rm)
		}
	}
	if meta.PreferredEngine != config.EngineWindows || meta.Threshold != config.DefaultFuzzyThreshold {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestRecognizeOnceRemovesVariantFiles(t *testing.T) {
	dir := t.TempDir()
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, func(o *Options) {
		o.Selector.Preprocess.Dir = dir
	})
	if res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{}); !res.Success {
		t.Fatalf("cycle failed: %s", res.Error)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("left %d variant files behind", len(entries))
	}
}

func TestRecognizeOnceSkipsNullRegions(t *testing.T) {
	regions := map[config.RegionKey]*config.CaptureRegion{
		config.RegionSurvivors: testRegions[config.RegionSurvivors],
	}
	fx := newFixture(t, newFakeEngine(draftTexts()), regions, nil)
	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{})
	if !res.Success {
		t.Fatalf("cycle failed: %s", res.Error)
	}
	for _, key := range []config.RegionKey{config.RegionHunter, config.RegionSurvivorBans, config.RegionHunterBans} {
		if _, ok := res.Data.Raw[key]; ok {
			t.Fatalf("raw has entry for null region %s", key)
		}
		if _, ok := res.Data.Matched[key]; ok {
			t.Fatalf("matched has entry for null region %s", key)
		}
		if _, ok := res.Data.RecognitionMeta.Regions[key]; ok {
			t.Fatalf("meta has entry for null region %s", key)
		}
	}
	if len(res.Data.Matched[config.RegionSurvivors]) == 0 {
		t.Fatalf("survivors not matched")
	}
}

func TestRecognizeOnceEmptyRegion(t *testing.T) {
	texts := draftTexts()
	texts[config.RegionHunter] = "   "
	fx := newFixture(t, newFakeEngine(texts), testRegions, nil)
	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{})
	if !res.Success {
		t.Fatalf("an empty region must not fail the cycle: %s", res.Error)
	}
	if raw, ok := res.Data.Raw[config.RegionHunter]; !ok || raw != "" {
		t.Fatalf("hunter raw = %q, %v", raw, ok)
	}
	if got := res.Data.Matched[config.RegionHunter]; len(got) != 0 {
		t.Fatalf("hunter matched = %v", got)
	}
	empty := res.Data.RecognitionMeta.EmptyRegions
	if len(empty) != 1 || empty[0] != config.RegionHunter {
		t.Fatalf("empty regions = %v", empty)
	}
}

func TestRecognizeOnceSkipsDegenerateRegion(t *testing.T) {
	regions := map[config.RegionKey]*config.CaptureRegion{
		config.RegionSurvivors: testRegions[config.RegionSurvivors],
		config.RegionHunter:    {X: 0.5, Y: 0.5, Width: 0.0001, Height: 0.1},
	}
	fx := newFixture(t, newFakeEngine(draftTexts()), regions, nil)
	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{})
	if !res.Success {
		t.Fatalf("cycle failed: %s", res.Error)
	}
	skipped := res.Data.RecognitionMeta.SkippedRegions
	if len(skipped) != 1 || skipped[0] != config.RegionHunter {
		t.Fatalf("skipped = %v", skipped)
	}
	if _, ok := res.Data.Raw[config.RegionHunter]; ok {
		t.Fatalf("skipped region has a raw entry")
	}
}

func TestRecognizeOnceConfigOverride(t *testing.T) {
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, nil)
	paddle := config.EnginePaddle
	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{
		Config: &config.Patch{PreferredEngine: &paddle},
	})
	if !res.Success {
		t.Fatalf("cycle failed: %s", res.Error)
	}
	meta := res.Data.RecognitionMeta
	if meta.PreferredEngine != config.EnginePaddle {
		t.Fatalf("preferred = %s", meta.PreferredEngine)
	}
	rm := meta.Regions[config.RegionSurvivors]
	if rm.Engine != config.EngineWindows || rm.FallbackReason == "" {
		t.Fatalf("expected fallback to windows, got %+v", rm)
	}
	if got := fx.store.Get().PreferredEngine; got != config.EngineWindows {
		t.Fatalf("override leaked into store: %s", got)
	}
}

func TestRecognizeOnceApply(t *testing.T) {
	ap := &fakeApplier{result: ApplyResult{Applied: true}}
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, func(o *Options) { o.Applier = ap })

	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{})
	if !res.Success || ap.calls != 0 {
		t.Fatalf("applier called without apply: %d", ap.calls)
	}
	res = fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{Apply: true})
	if !res.Success {
		t.Fatalf("cycle failed: %s", res.Error)
	}
	if ap.calls != 1 || res.Data.ApplyResult == nil || !res.Data.ApplyResult.Applied {
		t.Fatalf("apply calls=%d result=%+v", ap.calls, res.Data.ApplyResult)
	}
	if !contains(ap.matched[config.RegionHunter], "孟婆") {
		t.Fatalf("applier got %v", ap.matched)
	}

	ap.err = errors.New("store locked")
	res = fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{Apply: true})
	if !res.Success {
		t.Fatalf("apply failure must not fail the cycle: %s", res.Error)
	}
	if res.Data.ApplyResult.Applied || res.Data.ApplyResult.Reason != "store locked" {
		t.Fatalf("apply result = %+v", res.Data.ApplyResult)
	}
}

func TestRecognizeOnceWithoutApplier(t *testing.T) {
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, nil)
	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{Apply: true})
	if !res.Success || res.Data.ApplyResult == nil || res.Data.ApplyResult.Applied {
		t.Fatalf("result = %+v", res)
	}
}

func TestRecognizeOnceBusy(t *testing.T) {
	engine := newFakeEngine(draftTexts())
	engine.entered = make(chan struct{}, 1)
	engine.gate = make(chan struct{})
	fx := newFixture(t, engine, testRegions, nil)

	done := make(chan Result, 1)
	go func() { done <- fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{}) }()
	select {
	case <-engine.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached the engine")
	}

	second := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{})
	if second.Success || second.Error != ErrBusy.Error() {
		t.Fatalf("second cycle = %+v, want busy", second)
	}

	close(engine.gate)
	if first := <-done; !first.Success {
		t.Fatalf("first cycle failed: %s", first.Error)
	}
	if third := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{}); !third.Success {
		t.Fatalf("cycle after busy failed: %s", third.Error)
	}
}

func TestRecognizeOnceCaptureFailure(t *testing.T) {
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, nil)
	id, name := "hwnd:42", "不存在的窗口"
	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{
		Config: &config.Patch{WindowSourceID: &id, WindowName: &name},
	})
	if res.Success || res.Data != nil {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Error, "window not found") {
		t.Fatalf("error = %q", res.Error)
	}
	if len(fx.engine.calls) != 0 {
		t.Fatalf("engine called %d times after capture failure", len(fx.engine.calls))
	}
}

func TestRecognizeOnceFallsBackToWindowName(t *testing.T) {
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, nil)
	id := "hwnd:stale"
	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{
		Config: &config.Patch{WindowSourceID: &id},
	})
	if !res.Success {
		t.Fatalf("cycle failed: %s", res.Error)
	}
	if res.Data.SourceID != testSourceID {
		t.Fatalf("source = %s", res.Data.SourceID)
	}
}

func TestRecognizeOnceNoSource(t *testing.T) {
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, nil)
	empty := ""
	res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{
		Config: &config.Patch{WindowSourceID: &empty, WindowName: &empty},
	})
	if res.Success || res.Error != ErrNoSource.Error() {
		t.Fatalf("result = %+v", res)
	}
}

func TestCapturePreview(t *testing.T) {
	fx := newFixture(t, newFakeEngine(nil), testRegions, nil)
	p, err := fx.svc.CapturePreview(context.Background(), "")
	if err != nil {
		t.Fatalf("CapturePreview: %v", err)
	}
	if p.Width != 1920 || p.Height != 1080 || p.SourceID != testSourceID {
		t.Fatalf("preview = %d x %d %s", p.Width, p.Height, p.SourceID)
	}
	if !strings.HasPrefix(p.Image, "data:image/png;base64,") || len(p.Image) < 100 {
		t.Fatalf("image is not a PNG data url")
	}
	if _, err := fx.svc.CapturePreview(context.Background(), "hwnd:404"); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	fx := newFixture(t, newFakeEngine(nil), testRegions, nil)
	interval := 100
	cfg, err := fx.svc.UpdateConfig(config.Patch{IntervalMs: &interval})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if cfg.IntervalMs != config.MinIntervalMs {
		t.Fatalf("interval = %d, want clamped %d", cfg.IntervalMs, config.MinIntervalMs)
	}
	if got := fx.svc.GetConfig(); got.IntervalMs != config.MinIntervalMs {
		t.Fatalf("GetConfig interval = %d", got.IntervalMs)
	}
	sources, err := fx.svc.ListWindowSources(context.Background())
	if err != nil || len(sources) != 1 || sources[0].ID != testSourceID {
		t.Fatalf("sources = %v, %v", sources, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fx := newFixture(t, newFakeEngine(draftTexts()), testRegions, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var results []Result
	err := fx.svc.Run(ctx, false, func(r Result) {
		results = append(results, r)
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
}

type fakeInstaller struct {
	started int
	state   install.State
}

func (f *fakeInstaller) Start(ctx context.Context) (install.StartResult, error) {
	f.started++
	if f.state.Running {
		return install.StartResult{StartedAt: f.state.StartedAt}, install.ErrAlreadyRunning
	}
	f.state = install.State{Running: true, StartedAt: time.Unix(100, 0)}
	return install.StartResult{Started: true, StartedAt: f.state.StartedAt}, nil
}

func (f *fakeInstaller) Status() install.State { return f.state }

func TestInstallOperations(t *testing.T) {
	fx := newFixture(t, newFakeEngine(nil), testRegions, nil)
	if _, err := fx.svc.InstallPaddleOCR(context.Background()); !errors.Is(err, ErrNoInstaller) {
		t.Fatalf("err = %v, want ErrNoInstaller", err)
	}
	if st := fx.svc.GetInstallStatus(); st.Running || st.Message == "" {
		t.Fatalf("status = %+v", st)
	}

	inst := &fakeInstaller{}
	fx = newFixture(t, newFakeEngine(nil), testRegions, func(o *Options) { o.Installer = inst })
	sr, err := fx.svc.InstallPaddleOCR(context.Background())
	if err != nil || !sr.Started {
		t.Fatalf("start = %+v, %v", sr, err)
	}
	if !fx.svc.GetInstallStatus().Running {
		t.Fatalf("status not running")
	}
	if _, err := fx.svc.InstallPaddleOCR(context.Background()); !errors.Is(err, install.ErrAlreadyRunning) {
		t.Fatalf("second start err = %v", err)
	}
}

func TestCloseDisposesEngine(t *testing.T) {
	engine := newFakeEngine(draftTexts())
	fx := newFixture(t, engine, testRegions, nil)
	if err := fx.svc.Close(); err != nil {
		t.Fatal(err)
	}
	if !engine.disposed {
		t.Fatalf("engine not disposed")
	}
	if res := fx.svc.RecognizeOnce(context.Background(), RecognizeOptions{}); res.Success {
		t.Fatalf("cycle succeeded after Close")
	}
	if err := fx.svc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}
