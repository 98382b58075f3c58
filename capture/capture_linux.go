//go:build linux

package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os/exec"
	"strings"
)

// x11Capture lists windows with wmctrl and grabs them with ImageMagick's
// import tool.
type x11Capture struct{}

// New returns the window capture adapter for this platform.
func New() WindowCapture { return x11Capture{} }

func (x11Capture) ListSources(ctx context.Context) ([]Source, error) {
	if _, err := exec.LookPath("wmctrl"); err != nil {
		return nil, captureErr("", fmt.Errorf("%w: wmctrl not installed", ErrUnsupported))
	}
	out, err := runHelper(ctx, "wmctrl", "-l")
	if err != nil {
		return nil, captureErr("", err)
	}
	return parseWmctrl(out), nil
}

// parseWmctrl reads `wmctrl -l` lines: "<id> <desktop> <host> <title...>".
func parseWmctrl(out []byte) []Source {
	var sources []Source
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		title := strings.Join(fields[3:], " ")
		sources = append(sources, Source{ID: fields[0], Name: title})
	}
	return sources
}

func (x11Capture) CaptureFrame(ctx context.Context, sourceID string) (Frame, error) {
	if sourceID == "" {
		return Frame{}, captureErr(sourceID, ErrSourceNotFound)
	}
	if _, err := exec.LookPath("import"); err != nil {
		return Frame{}, captureErr(sourceID, fmt.Errorf("%w: imagemagick import not installed", ErrUnsupported))
	}
	sources, err := x11Capture{}.ListSources(ctx)
	if err != nil {
		return Frame{}, err
	}
	src, ok := ResolveSource(sources, sourceID, "")
	if !ok {
		return Frame{}, captureErr(sourceID, ErrSourceNotFound)
	}
	out, err := runHelper(ctx, "import", "-silent", "-window", sourceID, "png:-")
	if err != nil {
		return Frame{}, captureErr(sourceID, err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return Frame{}, captureErr(sourceID, fmt.Errorf("decode frame: %w", err))
	}
	return checkFrame(Frame{Source: src, Image: img})
}
