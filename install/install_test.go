package install

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
)

const fakePython = `#!/bin/sh
case "$*" in
*"pip --version"*) echo "pip 24.0 from fake"; exit 0 ;;
*"pip install"*)
  case "$*" in
  *fail.invalid*) echo "ERROR: No matching distribution found for paddleocr" >&2; exit 1 ;;
  esac
  printf 'Collecting paddleocr\r\n'
  echo "Successfully installed paddleocr-2.8.1 paddlepaddle-2.6.2"
  exit 0 ;;
*"import paddle"*) exit 0 ;;
*) echo "3.10.16 (fake)"; exit 0 ;;
esac
`

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func runtimeArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	entries := []struct {
		name string
		mode int64
		body string
		dir  bool
	}{
		{name: "python/", mode: 0o755, dir: true},
		{name: "python/bin/", mode: 0o755, dir: true},
		{name: "python/bin/python3", mode: 0o755, body: fakePython},
		{name: "python/lib/README", mode: 0o644, body: "runtime"},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func serveArchive(t *testing.T, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, url, primary, mirror string, minBytes int64) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Dir:             t.TempDir(),
		RuntimeURL:      url,
		PrimaryIndex:    primary,
		MirrorIndex:     mirror,
		MinArchiveBytes: minBytes,
		HTTPClient:      http.DefaultClient,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func runToEnd(t *testing.T, m *Manager) State {
	t.Helper()
	res, err := m.Start(context.Background())
	if err != nil || !res.Started {
		t.Fatalf("Start() = %+v, %v", res, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("install did not finish: %v", err)
	}
	return m.Status()
}

func containsLine(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func TestInstallFallsBackToMirror(t *testing.T) {
	requireShell(t)
	var hits atomic.Int32
	srv := serveArchive(t, runtimeArchive(t), &hits)
	m := newTestManager(t, srv.URL+"/cpython-install_only.tar.gz", "https://fail.invalid/simple", "https://mirror.example/simple", 1)

	if m.Installed() {
		t.Fatalf("fresh manager reports installed")
	}
	st := runToEnd(t, m)
	if !st.Success || st.Running || st.FinishedAt.IsZero() || st.ExitCode != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
	if !containsLine(st.Logs, "index https://fail.invalid/simple failed") {
		t.Fatalf("primary failure not logged: %q", st.Logs)
	}
	if !containsLine(st.Logs, "Successfully installed paddleocr") {
		t.Fatalf("pip output not logged: %q", st.Logs)
	}
	if !m.Installed() || m.Ready() != nil {
		t.Fatalf("expected runtime to be ready")
	}
	if want := filepath.Join("python", "bin", "python3"); !strings.HasSuffix(m.PythonPath(), want) {
		t.Fatalf("PythonPath() = %q", m.PythonPath())
	}

	st = runToEnd(t, m)
	if !st.Success {
		t.Fatalf("second run failed: %s", st.Message)
	}
	if hits.Load() != 1 {
		t.Fatalf("runtime downloaded %d times, want 1", hits.Load())
	}
}

func TestInstallFailureIsTerminal(t *testing.T) {
	requireShell(t)
	srv := serveArchive(t, runtimeArchive(t), nil)
	m := newTestManager(t, srv.URL+"/rt.tar.gz", "https://fail.invalid/a", "https://fail.invalid/b", 1)

	st := runToEnd(t, m)
	if st.Success || st.Running || st.FinishedAt.IsZero() {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.ExitCode != 1 || !strings.Contains(st.Message, "pip install") {
		t.Fatalf("unexpected failure details: code=%d message=%q", st.ExitCode, st.Message)
	}
	if m.Installed() {
		t.Fatalf("failed install must not report installed")
	}
	if !errors.Is(m.Ready(), ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", m.Ready())
	}
}

func TestInstallRejectsTruncatedDownload(t *testing.T) {
	srv := serveArchive(t, []byte("short body"), nil)
	m := newTestManager(t, srv.URL+"/rt.tar.gz", "", "", 1<<20)
	st := runToEnd(t, m)
	if st.Success || !strings.Contains(st.Message, "too small") {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, err := os.Stat(filepath.Join(m.Dir(), "rt.tar.gz")); !os.IsNotExist(err) {
		t.Fatalf("truncated archive should not be kept")
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	m := newTestManager(t, srv.URL+"/rt.zip", "", "", 1)

	first, err := m.Start(context.Background())
	if err != nil || !first.Started {
		t.Fatalf("first Start() = %+v, %v", first, err)
	}
	second, err := m.Start(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) || second.Started || !second.StartedAt.Equal(first.StartedAt) {
		t.Fatalf("second Start() = %+v, %v", second, err)
	}
	if !m.Status().Running {
		t.Fatalf("expected running state")
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	st := m.Status()
	if st.Running || st.Success || !strings.Contains(st.Message, "404") {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../evil.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("x"))
	zw.Close()
	f.Close()

	dest := filepath.Join(dir, "out")
	if err := extract(archive, dest); err == nil {
		t.Fatalf("expected zip-slip entry to be rejected")
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("escaping entry was written")
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "rt.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("python/python.exe")
	w.Write([]byte("MZ"))
	zw.Close()
	f.Close()

	dest := filepath.Join(dir, "out")
	if err := extract(archive, dest); err != nil {
		t.Fatalf("extract() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "python", "python.exe"))
	if err != nil || string(data) != "MZ" {
		t.Fatalf("unexpected extracted content %q, %v", data, err)
	}
	if _, err := archiveKind("rt.7z"); err == nil {
		t.Fatalf("expected unsupported archive error")
	}
}

func TestLogRingKeepsLastLines(t *testing.T) {
	var r logRing
	for i := 0; i < MaxLogLines+50; i++ {
		r.add(fmt.Sprintf("line %d", i))
	}
	got := r.snapshot()
	if len(got) != MaxLogLines || got[0] != "line 50" || got[len(got)-1] != fmt.Sprintf("line %d", MaxLogLines+49) {
		t.Fatalf("unexpected ring contents: len=%d first=%q", len(got), got[0])
	}
}

func TestConsoleLines(t *testing.T) {
	gbk, err := simplifiedchinese.GBK.NewEncoder().String("安装成功")
	if err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(strings.NewReader("a\r\nprogress 10%\rprogress 20%\n" + gbk + "\n"))
	sc.Split(scanConsoleLines)
	var lines []string
	for sc.Scan() {
		if l := consoleLine(sc.Bytes()); l != "" {
			lines = append(lines, l)
		}
	}
	want := []string{"a", "progress 10%", "progress 20%", "安装成功"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
}

func TestStepTimeoutWithLingeringChild(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, "", "", "", 1)

	// The background sleep inherits stdout and outlives the killed shell.
	timeout := time.Second
	start := time.Now()
	err := m.runStep(context.Background(), "linger", timeout, "/bin/sh", "-c", "echo started; sleep 30 & sleep 30")
	elapsed := time.Since(start)

	var ie *InstallError
	if !errors.As(err, &ie) || !strings.Contains(ie.Error(), "timed out") {
		t.Fatalf("runStep() = %v, want a timeout InstallError", err)
	}
	if limit := timeout + stepWaitDelay + 3*time.Second; elapsed > limit {
		t.Fatalf("runStep took %s, want under %s", elapsed, limit)
	}
	if !containsLine(m.Status().Logs, "started") {
		t.Fatalf("step output not logged: %q", m.Status().Logs)
	}
}

func TestProxyOverride(t *testing.T) {
	c := newHTTPClient("http://proxy.internal:3128")
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/rt.tar.gz", nil)
	u, err := c.Transport.(*http.Transport).Proxy(req)
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Host != "proxy.internal:3128" {
		t.Fatalf("proxy = %v", u)
	}
}
