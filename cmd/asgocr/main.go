// Command asgocr recognizes the draft phase of a running game window: picked
// survivors, the hunter and both ban lists.
//
// Usage:
//
//	asgocr [global flags] <command> [flags]
//
// Commands: sources, preview, config, recognize, watch, install, status.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/luolangaga/asgocr/capture"
	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/install"
	"github.com/luolangaga/asgocr/observability"
	"github.com/luolangaga/asgocr/ocr"
	"github.com/luolangaga/asgocr/recognition"
	"github.com/luolangaga/asgocr/scripting"
)

type globals struct {
	configPath string
	rosterPath string
	framePath  string
	installDir string
	runtimeURL string
	proxy      string
	lang       string
	logLevel   string
	logJSON    bool
}

type app struct {
	g       globals
	log     observability.Logger
	store   *config.Store
	manager *install.Manager
	gateway *ocr.Gateway
	out     io.Writer
}

func main() {
	g, args, err := parseGlobals(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "asgocr: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, g, args); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "asgocr: %v\n", err)
		os.Exit(1)
	}
}

func parseGlobals(args []string) (globals, []string, error) {
	var g globals
	fs := flag.NewFlagSet("asgocr", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: asgocr [flags] <sources|preview|config|recognize|watch|install|status> [command flags]\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&g.configPath, "config", "", "Config file (default: user config dir)")
	fs.StringVar(&g.rosterPath, "roster", "roster.json", "Roster JSON file with survivors and hunters")
	fs.StringVar(&g.framePath, "frame", "", "Use a saved screenshot instead of a live window")
	fs.StringVar(&g.installDir, "install-dir", "", "PaddleOCR install root (default: user cache dir)")
	fs.StringVar(&g.runtimeURL, "runtime-url", "", "Override the embeddable Python runtime archive URL")
	fs.StringVar(&g.proxy, "proxy", "", "Proxy URL for the runtime download")
	fs.StringVar(&g.lang, "lang", "", "Lightweight engine language (BCP-47 on Windows, traineddata elsewhere)")
	fs.StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&g.logJSON, "log-json", false, "Emit JSON logs")
	if err := fs.Parse(args); err != nil {
		return g, nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return g, nil, fmt.Errorf("missing command")
	}
	return g, fs.Args(), nil
}

func newLogger(g globals) (observability.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", g.logLevel, err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, hopts)
	if g.logJSON {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	}
	return observability.NewSlogLogger(slog.New(h)), nil
}

func run(ctx context.Context, g globals, args []string) error {
	log, err := newLogger(g)
	if err != nil {
		return err
	}
	a := &app{g: g, log: log, out: os.Stdout}
	if err := a.open(); err != nil {
		return err
	}
	defer a.gateway.Dispose()
	defer a.manager.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "sources":
		return a.cmdSources(ctx, rest)
	case "preview":
		return a.cmdPreview(ctx, rest)
	case "config":
		return a.cmdConfig(rest)
	case "recognize":
		return a.cmdRecognize(ctx, rest)
	case "watch":
		return a.cmdWatch(ctx, rest)
	case "install":
		return a.cmdInstall(ctx, rest)
	case "status":
		return a.cmdStatus(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) open() error {
	path := a.g.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	store, err := config.Open(path, a.log)
	if err != nil {
		return err
	}
	mgr, err := install.NewManager(install.Options{
		Dir:        a.g.installDir,
		RuntimeURL: a.g.runtimeURL,
		ProxyURL:   a.g.proxy,
		Log:        a.log,
	})
	if err != nil {
		return err
	}
	a.store, a.manager = store, mgr
	a.gateway = ocr.NewGateway(a.log,
		ocr.NewSystemBackend(ocr.SystemOptions{Language: a.g.lang}),
		ocr.NewPaddleBackend(ocr.PaddleOptions{Runtime: mgr}),
	)
	return nil
}

func (a *app) windowCapture() (capture.WindowCapture, error) {
	if a.g.framePath == "" {
		return capture.New(), nil
	}
	img, err := imaging.Open(a.g.framePath)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	// The saved frame stands in for the configured window.
	cfg := a.store.Get()
	src := capture.Source{ID: cfg.WindowSourceID, Name: cfg.WindowName}
	if src.ID == "" {
		src.ID = "file:" + a.g.framePath
	}
	return capture.NewStillCapture(src, img), nil
}

func (a *app) service(applier recognition.Applier) (*recognition.Service, error) {
	wc, err := a.windowCapture()
	if err != nil {
		return nil, err
	}
	return recognition.New(recognition.Options{
		Store:     a.store,
		Capture:   wc,
		Engine:    a.gateway,
		Roster:    recognition.NewFileRoster(a.g.rosterPath),
		Applier:   applier,
		Installer: a.manager,
		Log:       a.log,
	})
}

func (a *app) emit(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func (a *app) cmdSources(ctx context.Context, args []string) error {
	svc, err := a.service(nil)
	if err != nil {
		return err
	}
	sources, err := svc.ListWindowSources(ctx)
	if err != nil {
		return err
	}
	return a.emit(sources)
}

func (a *app) cmdPreview(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	source := fs.String("source", "", "Window source id (default: configured window)")
	out := fs.String("out", "", "Write the PNG here instead of printing JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc, err := a.service(nil)
	if err != nil {
		return err
	}
	p, err := svc.CapturePreview(ctx, *source)
	if err != nil {
		return err
	}
	if *out == "" {
		return a.emit(p)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(p.Image, "data:image/png;base64,"))
	if err != nil {
		return fmt.Errorf("decode preview: %w", err)
	}
	if err := os.WriteFile(*out, raw, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %dx%d -> %s\n", p.SourceName, p.Width, p.Height, *out)
	return nil
}

func (a *app) cmdConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	set := fs.String("set", "", `JSON patch to merge, e.g. '{"intervalMs":2000}'`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *set == "" {
		return a.emit(a.store.Get())
	}
	var patch config.Patch
	if err := json.Unmarshal([]byte(*set), &patch); err != nil {
		return fmt.Errorf("parse patch: %w", err)
	}
	cfg, err := a.store.Update(patch)
	if err != nil {
		return err
	}
	return a.emit(cfg)
}

type cycleFlags struct {
	apply  bool
	script string
	state  string
	engine string
}

func parseCycleFlags(name string, args []string) (cycleFlags, error) {
	var cf cycleFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.BoolVar(&cf.apply, "apply", false, "Hand matched names to the apply script")
	fs.StringVar(&cf.script, "script", "", "JavaScript file defining apply(matched, raw)")
	fs.StringVar(&cf.state, "state", "", "State file the apply script reads and writes")
	fs.StringVar(&cf.engine, "engine", "", "Override the preferred engine: windows or paddleocr")
	if err := fs.Parse(args); err != nil {
		return cf, err
	}
	if cf.apply && cf.script == "" {
		return cf, fmt.Errorf("-apply needs -script")
	}
	return cf, nil
}

func (a *app) cycleService(ctx context.Context, cf cycleFlags) (*recognition.Service, error) {
	var applier recognition.Applier
	if cf.script != "" {
		sa, err := scripting.LoadScriptApplier(ctx, cf.script, scripting.ApplierOptions{StatePath: cf.state, Log: a.log})
		if err != nil {
			return nil, err
		}
		applier = sa
	}
	return a.service(applier)
}

func (cf cycleFlags) options() recognition.RecognizeOptions {
	opts := recognition.RecognizeOptions{Apply: cf.apply}
	if cf.engine != "" {
		e := config.Engine(cf.engine)
		opts.Config = &config.Patch{PreferredEngine: &e}
	}
	return opts
}

func (a *app) cmdRecognize(ctx context.Context, args []string) error {
	cf, err := parseCycleFlags("recognize", args)
	if err != nil {
		return err
	}
	svc, err := a.cycleService(ctx, cf)
	if err != nil {
		return err
	}
	defer svc.Close()
	res := svc.RecognizeOnce(ctx, cf.options())
	if err := a.emit(res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

func (a *app) cmdWatch(ctx context.Context, args []string) error {
	cf, err := parseCycleFlags("watch", args)
	if err != nil {
		return err
	}
	if cf.engine != "" {
		e := config.Engine(cf.engine)
		if _, err := a.store.Update(config.Patch{PreferredEngine: &e}); err != nil {
			return err
		}
	}
	svc, err := a.cycleService(ctx, cf)
	if err != nil {
		return err
	}
	defer svc.Close()
	enc := json.NewEncoder(a.out)
	enc.SetEscapeHTML(false)
	return svc.Run(ctx, cf.apply, func(res recognition.Result) {
		if err := enc.Encode(res); err != nil {
			a.log.Warn("write result failed", observability.Err(err))
		}
	})
}

// cmdInstall always waits: the pipeline runs inside this process and is
// aborted when run closes the manager.
func (a *app) cmdInstall(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc, err := a.service(nil)
	if err != nil {
		return err
	}
	if _, err := svc.InstallPaddleOCR(ctx); err != nil {
		return err
	}
	if err := a.manager.Wait(ctx); err != nil {
		return err
	}
	st := svc.GetInstallStatus()
	if err := a.emit(st); err != nil {
		return err
	}
	if !st.Success {
		return fmt.Errorf("install failed: %s", st.Message)
	}
	return nil
}

type statusReport struct {
	Install install.State                     `json:"install"`
	Engines map[config.Engine]engineStatusDoc `json:"engines"`
}

type engineStatusDoc struct {
	Available bool            `json:"available"`
	Reason    string          `json:"reason,omitempty"`
	Worker    ocr.WorkerStats `json:"worker"`
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	svc, err := a.service(nil)
	if err != nil {
		return err
	}
	report := statusReport{
		Install: svc.GetInstallStatus(),
		Engines: make(map[config.Engine]engineStatusDoc),
	}
	for _, e := range []config.Engine{config.EngineWindows, config.EnginePaddle} {
		doc := engineStatusDoc{Available: true, Worker: a.gateway.Stats(e)}
		if err := a.gateway.Available(ctx, e); err != nil {
			doc.Available = false
			doc.Reason = err.Error()
		}
		report.Engines[e] = doc
	}
	return a.emit(report)
}
