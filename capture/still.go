package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// StillCapture serves a fixed image as a single window source. It backs
// offline runs against saved screenshots and tests.
type StillCapture struct {
	source Source
	img    image.Image
}

// NewStillCapture exposes img under the given source.
func NewStillCapture(src Source, img image.Image) *StillCapture {
	return &StillCapture{source: src, img: img}
}

// OpenStillCapture decodes the image at path. The source id is "file:<path>"
// and the name is the file's base name.
func OpenStillCapture(path string) (*StillCapture, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame image: %w", err)
	}
	return NewStillCapture(Source{ID: "file:" + path, Name: filepath.Base(path)}, img), nil
}

func (s *StillCapture) ListSources(ctx context.Context) ([]Source, error) {
	return []Source{s.source}, nil
}

func (s *StillCapture) CaptureFrame(ctx context.Context, sourceID string) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, captureErr(sourceID, err)
	}
	if sourceID != s.source.ID {
		return Frame{}, captureErr(sourceID, ErrSourceNotFound)
	}
	if s.img == nil {
		return Frame{}, captureErr(sourceID, os.ErrNotExist)
	}
	return checkFrame(Frame{Source: s.source, Image: s.img})
}
