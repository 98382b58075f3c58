//go:build windows

package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/image/bmp"

	"github.com/luolangaga/asgocr/resources"
)

// Exit codes of the bundled capture script.
const (
	exitNotFound  = 2
	exitMinimized = 3
)

// win32Capture drives the bundled PowerShell capture script.
type win32Capture struct {
	res *resources.Materializer
}

// New returns the window capture adapter for this platform.
func New() WindowCapture { return &win32Capture{res: resources.NewMaterializer("")} }

func (c *win32Capture) script() (string, error) {
	return c.res.Path(resources.CaptureScript)
}

func (c *win32Capture) run(ctx context.Context, args ...string) ([]byte, error) {
	script, err := c.script()
	if err != nil {
		return nil, err
	}
	base := []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", script}
	return runHelper(ctx, "powershell.exe", append(base, args...)...)
}

func (c *win32Capture) ListSources(ctx context.Context) ([]Source, error) {
	out, err := c.run(ctx, "-Mode", "list")
	if err != nil {
		return nil, captureErr("", err)
	}
	var sources []Source
	if err := json.Unmarshal(out, &sources); err != nil {
		return nil, captureErr("", fmt.Errorf("decode window list: %w", err))
	}
	return sources, nil
}

func (c *win32Capture) CaptureFrame(ctx context.Context, sourceID string) (Frame, error) {
	handle, ok := strings.CutPrefix(sourceID, "window:")
	if !ok || handle == "" {
		return Frame{}, captureErr(sourceID, ErrSourceNotFound)
	}
	sources, err := c.ListSources(ctx)
	if err != nil {
		return Frame{}, err
	}
	src, found := ResolveSource(sources, sourceID, "")
	if !found {
		return Frame{}, captureErr(sourceID, ErrSourceNotFound)
	}

	tmp, err := os.CreateTemp("", "asgocr-frame-*.bmp")
	if err != nil {
		return Frame{}, captureErr(sourceID, err)
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	if _, err := c.run(ctx, "-Mode", "capture", "-Handle", handle, "-Out", path); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case exitNotFound:
				return Frame{}, captureErr(sourceID, ErrSourceNotFound)
			case exitMinimized:
				return Frame{}, captureErr(sourceID, ErrEmptyFrame)
			}
		}
		return Frame{}, captureErr(sourceID, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return Frame{}, captureErr(sourceID, err)
	}
	defer f.Close()
	img, err := bmp.Decode(f)
	if err != nil {
		return Frame{}, captureErr(sourceID, fmt.Errorf("decode frame: %w", err))
	}
	return checkFrame(Frame{Source: src, Image: img})
}
