// Package install provisions the interpreter runtime and packages the
// PaddleOCR engine runs on. One Manager runs at most one install at a time;
// callers poll Status for progress.
package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/luolangaga/asgocr/observability"
)

// Step timeouts.
const (
	DefaultDownloadTimeout = 10 * time.Minute
	DefaultProbeTimeout    = 15 * time.Second
	DefaultVerifyTimeout   = 45 * time.Second
	DefaultPipTimeout      = 30 * time.Minute
)

const (
	// DefaultMinArchiveBytes rejects truncated runtime downloads.
	DefaultMinArchiveBytes = 8 << 20
	DefaultPrimaryIndex    = "https://pypi.org/simple"
	DefaultMirrorIndex     = "https://pypi.tuna.tsinghua.edu.cn/simple"
	markerFile             = "installed.json"
	runtimeDirName         = "runtime"
	runtimeRelease         = "https://github.com/astral-sh/python-build-standalone/releases/download/20250317/"
	runtimeVersion         = "cpython-3.10.16+20250317"
)

// DefaultPackages are the two ABI-sensitive packages the worker imports.
var DefaultPackages = []string{"paddlepaddle==2.6.2", "paddleocr==2.8.1"}

// DefaultRuntimeURL returns the standalone interpreter archive for this
// platform, or "" when none is published.
func DefaultRuntimeURL() string {
	var triple string
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "windows/amd64":
		triple = "x86_64-pc-windows-msvc"
	case "linux/amd64":
		triple = "x86_64-unknown-linux-gnu"
	case "linux/arm64":
		triple = "aarch64-unknown-linux-gnu"
	case "darwin/arm64":
		triple = "aarch64-apple-darwin"
	case "darwin/amd64":
		triple = "x86_64-apple-darwin"
	default:
		return ""
	}
	return runtimeRelease + runtimeVersion + "-" + triple + "-install_only.tar.gz"
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	// Dir holds the archive, the extracted runtime and the marker file.
	Dir          string
	RuntimeURL   string
	Packages     []string
	PrimaryIndex string
	MirrorIndex  string
	// ProxyURL overrides the proxy environment for the runtime download.
	ProxyURL        string
	MinArchiveBytes int64
	// Env is appended to the inherited environment of every step.
	Env []string

	DownloadTimeout time.Duration
	ProbeTimeout    time.Duration
	VerifyTimeout   time.Duration
	PipTimeout      time.Duration

	HTTPClient *http.Client
	Log        observability.Logger
}

// DefaultDir returns the install root under the user cache directory.
func DefaultDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "asgocr", "paddle"), nil
}

func (o Options) withDefaults() (Options, error) {
	if o.Dir == "" {
		dir, err := DefaultDir()
		if err != nil {
			return o, err
		}
		o.Dir = dir
	}
	if o.RuntimeURL == "" {
		o.RuntimeURL = DefaultRuntimeURL()
	}
	if len(o.Packages) == 0 {
		o.Packages = DefaultPackages
	}
	if o.PrimaryIndex == "" {
		o.PrimaryIndex = DefaultPrimaryIndex
	}
	if o.MirrorIndex == "" {
		o.MirrorIndex = DefaultMirrorIndex
	}
	if o.MinArchiveBytes <= 0 {
		o.MinArchiveBytes = DefaultMinArchiveBytes
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = DefaultDownloadTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = DefaultVerifyTimeout
	}
	if o.PipTimeout <= 0 {
		o.PipTimeout = DefaultPipTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = newHTTPClient(o.ProxyURL)
	}
	return o, nil
}

// Manager owns the single install state.
type Manager struct {
	opts Options
	log  observability.Logger

	mu    sync.Mutex
	state State
	logs  logRing
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager returns a Manager. Nothing runs until Start.
func NewManager(opts Options) (*Manager, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)
	return &Manager{
		opts:   opts,
		log:    observability.OrNop(opts.Log).With(observability.String("component", "install")),
		done:   done,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Dir returns the install root.
func (m *Manager) Dir() string { return m.opts.Dir }

// Status returns a copy of the current state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Logs = m.logs.snapshot()
	return s
}

// Start launches the install pipeline in the background. A second call while
// one is running is rejected with ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Running {
		return StartResult{Started: false, StartedAt: m.state.StartedAt}, ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return StartResult{}, err
	}
	if err := m.ctx.Err(); err != nil {
		return StartResult{}, err
	}
	now := time.Now()
	m.state = State{Running: true, StartedAt: now, Message: "starting"}
	m.logs = logRing{}
	m.done = make(chan struct{})
	go m.run(m.done)
	return StartResult{Started: true, StartedAt: now}, nil
}

// Wait blocks until the current run, if any, has finished or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts a running install and waits for it to stop.
func (m *Manager) Close() error {
	m.cancel()
	return m.Wait(context.Background())
}

func (m *Manager) run(done chan struct{}) {
	defer close(done)
	start := time.Now()
	err := m.pipeline(m.ctx)

	m.mu.Lock()
	m.state.Running = false
	m.state.FinishedAt = time.Now()
	if err != nil {
		m.state.Success = false
		m.state.Message = err.Error()
		var ie *InstallError
		if errors.As(err, &ie) && ie.ExitCode != 0 {
			m.state.ExitCode = ie.ExitCode
		} else {
			m.state.ExitCode = 1
		}
		m.logs.add("install failed: " + err.Error())
	} else {
		m.state.Success = true
		m.state.ExitCode = 0
		m.state.Message = "paddleocr runtime installed"
		m.logs.add(m.state.Message)
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Error("install failed", observability.Err(err), observability.Duration("took", time.Since(start)))
		return
	}
	m.log.Info("install finished",
		observability.Duration("took", time.Since(start)),
		observability.String("metric", observability.MetricInstallTime))
}

// appendLog adds a line to the rolling log and makes it the current message.
func (m *Manager) appendLog(line string) {
	m.mu.Lock()
	m.logs.add(line)
	m.state.Message = line
	m.mu.Unlock()
	m.log.Debug("install output", observability.String("line", line))
}

func (m *Manager) env() []string {
	env := append(os.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUTF8=1", "PIP_NO_INPUT=1")
	return append(env, m.opts.Env...)
}

func (m *Manager) pipeline(ctx context.Context) error {
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return &InstallError{Step: "prepare", Err: err}
	}
	os.Remove(filepath.Join(m.opts.Dir, markerFile))

	python, err := m.findPython()
	if err != nil {
		if err := m.fetchRuntime(ctx); err != nil {
			return err
		}
		if python, err = m.findPython(); err != nil {
			return &InstallError{Step: "verify runtime", Err: err}
		}
	}
	m.appendLog("using interpreter " + python)

	if err := m.runStep(ctx, "probe", m.opts.ProbeTimeout, python, "-c", "import sys; print(sys.version)"); err != nil {
		return err
	}
	if err := m.runStep(ctx, "pip check", m.opts.ProbeTimeout, python, "-m", "pip", "--version"); err != nil {
		if err := m.runStep(ctx, "ensurepip", m.opts.VerifyTimeout, python, "-m", "ensurepip", "--upgrade"); err != nil {
			return err
		}
	}
	if err := m.pipInstall(ctx, python); err != nil {
		return err
	}
	if err := m.runStep(ctx, "verify import", m.opts.VerifyTimeout, python, "-c", "import paddle, paddleocr"); err != nil {
		return err
	}
	return m.writeMarker(python)
}

func (m *Manager) fetchRuntime(ctx context.Context) error {
	if m.opts.RuntimeURL == "" {
		return &InstallError{Step: "download", Err: fmt.Errorf("no runtime published for %s/%s", runtime.GOOS, runtime.GOARCH)}
	}
	name, err := archiveName(m.opts.RuntimeURL)
	if err != nil {
		return &InstallError{Step: "download", Err: err}
	}
	archive := filepath.Join(m.opts.Dir, name)
	dctx, cancel := context.WithTimeout(ctx, m.opts.DownloadTimeout)
	defer cancel()
	if err := download(dctx, m.opts.HTTPClient, m.opts.RuntimeURL, archive, m.opts.MinArchiveBytes, m.appendLog); err != nil {
		return &InstallError{Step: "download", Err: err}
	}

	m.appendLog("extracting " + name)
	dest := filepath.Join(m.opts.Dir, runtimeDirName)
	if err := os.RemoveAll(dest); err != nil {
		return &InstallError{Step: "extract", Err: err}
	}
	if err := extract(archive, dest); err != nil {
		os.Remove(archive)
		return &InstallError{Step: "extract", Err: err}
	}
	return nil
}

// pipInstall installs the packages from the primary index, then from the
// mirror if the primary fails.
func (m *Manager) pipInstall(ctx context.Context, python string) error {
	var err error
	for _, index := range []string{m.opts.PrimaryIndex, m.opts.MirrorIndex} {
		args := append([]string{"-m", "pip", "install", "--disable-pip-version-check", "--no-warn-script-location", "-i", index}, m.opts.Packages...)
		if err = m.runStep(ctx, "pip install", m.opts.PipTimeout, python, args...); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		m.appendLog(fmt.Sprintf("index %s failed: %v", index, err))
	}
	return err
}

func pythonCandidates() []string {
	if runtime.GOOS == "windows" {
		return []string{filepath.Join("python", "python.exe"), "python.exe"}
	}
	return []string{filepath.Join("python", "bin", "python3"), filepath.Join("bin", "python3")}
}

func (m *Manager) findPython() (string, error) {
	root := filepath.Join(m.opts.Dir, runtimeDirName)
	for _, rel := range pythonCandidates() {
		p := filepath.Join(root, rel)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("no interpreter found under %s", root)
}

type marker struct {
	Python      string    `json:"python"`
	Packages    []string  `json:"packages"`
	InstalledAt time.Time `json:"installedAt"`
}

func (m *Manager) writeMarker(python string) error {
	data, err := json.MarshalIndent(marker{Python: python, Packages: m.opts.Packages, InstalledAt: time.Now()}, "", "  ")
	if err != nil {
		return &InstallError{Step: "finish", Err: err}
	}
	if err := os.WriteFile(filepath.Join(m.opts.Dir, markerFile), data, 0o644); err != nil {
		return &InstallError{Step: "finish", Err: err}
	}
	return nil
}

func (m *Manager) readMarker() (marker, error) {
	var mk marker
	data, err := os.ReadFile(filepath.Join(m.opts.Dir, markerFile))
	if err != nil {
		return mk, err
	}
	if err := json.Unmarshal(data, &mk); err != nil {
		return mk, err
	}
	if _, err := os.Stat(mk.Python); err != nil {
		return mk, err
	}
	return mk, nil
}

// Installed reports whether a completed install is present on disk.
func (m *Manager) Installed() bool { return m.Ready() == nil }

// Ready returns nil when the runtime can be used, ErrNotInstalled otherwise.
func (m *Manager) Ready() error {
	m.mu.Lock()
	running := m.state.Running
	m.mu.Unlock()
	if running {
		return fmt.Errorf("%w: install in progress", ErrNotInstalled)
	}
	if _, err := m.readMarker(); err != nil {
		return ErrNotInstalled
	}
	return nil
}

// PythonPath returns the installed interpreter, or "" before an install.
func (m *Manager) PythonPath() string {
	mk, err := m.readMarker()
	if err != nil {
		return ""
	}
	return mk.Python
}
