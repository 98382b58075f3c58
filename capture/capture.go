// Package capture obtains snapshots of application windows and maps
// normalized capture regions onto them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/luolangaga/asgocr/config"
)

// Source is one capturable window.
type Source struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Frame is a captured window snapshot.
type Frame struct {
	Source Source
	Image  image.Image
}

// Size returns the frame dimensions in pixels.
func (f Frame) Size() (int, int) {
	if f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}

// WindowCapture enumerates and snapshots windows. Implementations are
// platform specific.
type WindowCapture interface {
	ListSources(ctx context.Context) ([]Source, error)
	CaptureFrame(ctx context.Context, sourceID string) (Frame, error)
}

// ErrUnsupported is returned by the capture adapter on platforms without a
// window capture implementation.
var ErrUnsupported = errors.New("window capture not supported on this platform")

// ErrSourceNotFound means no window matched the requested id or name.
var ErrSourceNotFound = errors.New("window not found")

// ErrEmptyFrame means the window exists but has no visible area, which
// usually means it is minimized.
var ErrEmptyFrame = errors.New("window has zero size (minimized?)")

// CaptureError wraps any failure to produce a usable frame.
type CaptureError struct {
	SourceID string
	Err      error
}

func (e *CaptureError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("capture: %v", e.Err)
	}
	return fmt.Sprintf("capture %s: %v", e.SourceID, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func captureErr(id string, err error) error {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return err
	}
	return &CaptureError{SourceID: id, Err: err}
}

// checkFrame rejects frames without area.
func checkFrame(f Frame) (Frame, error) {
	w, h := f.Size()
	if w <= 0 || h <= 0 {
		return Frame{}, captureErr(f.Source.ID, ErrEmptyFrame)
	}
	return f, nil
}

// RegionToRect maps a normalized region onto a frame of size w×h. The result
// is clamped to the frame; ok is false when either side ends up 1px or less.
func RegionToRect(r config.CaptureRegion, w, h int) (image.Rectangle, bool) {
	if w <= 0 || h <= 0 {
		return image.Rectangle{}, false
	}
	x0 := clampInt(int(math.Round(r.X*float64(w))), 0, w)
	y0 := clampInt(int(math.Round(r.Y*float64(h))), 0, h)
	x1 := clampInt(x0+int(math.Round(r.Width*float64(w))), x0, w)
	y1 := clampInt(y0+int(math.Round(r.Height*float64(h))), y0, h)
	if x1-x0 <= 1 || y1-y0 <= 1 {
		return image.Rectangle{}, false
	}
	return image.Rect(x0, y0, x1, y1), true
}

// Crop returns the part of the frame covered by region, or ok=false when the
// region maps to a degenerate rectangle.
func Crop(f Frame, region config.CaptureRegion) (*image.NRGBA, bool) {
	w, h := f.Size()
	rect, ok := RegionToRect(region, w, h)
	if !ok {
		return nil, false
	}
	return imaging.Crop(f.Image, rect.Add(f.Image.Bounds().Min)), true
}

// ResolveSource picks the source to capture: an exact id match first, then a
// case-insensitive window name match, then a name containment match.
func ResolveSource(sources []Source, id, name string) (Source, bool) {
	if id != "" {
		for _, s := range sources {
			if s.ID == id {
				return s, true
			}
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Source{}, false
	}
	for _, s := range sources {
		if strings.EqualFold(strings.TrimSpace(s.Name), name) {
			return s, true
		}
	}
	lower := strings.ToLower(name)
	for _, s := range sources {
		if strings.Contains(strings.ToLower(s.Name), lower) {
			return s, true
		}
	}
	return Source{}, false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
