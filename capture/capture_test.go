package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/luolangaga/asgocr/config"
)

func TestRegionToRectStaysInBounds(t *testing.T) {
	vals := []float64{0, 0.001, 0.1, 0.33, 0.5, 0.75, 0.999, 1}
	sizes := [][2]int{{1920, 1080}, {1280, 720}, {3, 3}, {1, 1}, {801, 599}}
	for _, size := range sizes {
		W, H := size[0], size[1]
		for _, x := range vals {
			for _, w := range vals {
				r, ok := config.NormalizeRegion(config.CaptureRegion{X: x, Y: 1 - x, Width: w, Height: w})
				if !ok {
					continue
				}
				rect, ok := RegionToRect(r, W, H)
				if !ok {
					continue
				}
				if rect.Min.X < 0 || rect.Min.Y < 0 || rect.Max.X > W || rect.Max.Y > H {
					t.Fatalf("rect %v escapes %dx%d for region %+v", rect, W, H, r)
				}
				if rect.Dx() <= 1 || rect.Dy() <= 1 {
					t.Fatalf("degenerate rect %v returned as ok", rect)
				}
			}
		}
	}
}

func TestRegionToRectSkipsTinyRegions(t *testing.T) {
	cases := []config.CaptureRegion{
		{X: 0.5, Y: 0.5, Width: 0.0005, Height: 0.2},
		{X: 0.5, Y: 0.5, Width: 0.2, Height: 0.0009},
		{X: 0.9995, Y: 0, Width: 0.0005, Height: 1},
	}
	for _, r := range cases {
		if rect, ok := RegionToRect(r, 1920, 1080); ok {
			t.Fatalf("expected %+v to be skipped, got %v", r, rect)
		}
	}
	if _, ok := RegionToRect(config.CaptureRegion{X: 0, Y: 0, Width: 1, Height: 1}, 0, 100); ok {
		t.Fatalf("expected zero-sized frame to be skipped")
	}
}

func TestRegionToRectExample(t *testing.T) {
	rect, ok := RegionToRect(config.CaptureRegion{X: 0.25, Y: 0.5, Width: 0.5, Height: 0.25}, 1920, 1080)
	if !ok {
		t.Fatalf("expected region to map")
	}
	if rect != image.Rect(480, 540, 1440, 810) {
		t.Fatalf("unexpected rect %v", rect)
	}
}

func TestCropUsesFrameOrigin(t *testing.T) {
	img := image.NewNRGBA(image.Rect(10, 10, 110, 60))
	img.Set(60, 35, color.NRGBA{255, 0, 0, 255})
	f := Frame{Source: Source{ID: "a"}, Image: img}
	crop, ok := Crop(f, config.CaptureRegion{X: 0.5, Y: 0.5, Width: 0.5, Height: 0.5})
	if !ok {
		t.Fatalf("expected crop")
	}
	if crop.Bounds().Dx() != 50 || crop.Bounds().Dy() != 25 {
		t.Fatalf("unexpected crop size %v", crop.Bounds())
	}
	if c := crop.NRGBAAt(0, 0); c.R != 255 {
		t.Fatalf("crop origin mismatch, got %+v", c)
	}
}

func TestResolveSource(t *testing.T) {
	sources := []Source{
		{ID: "window:1", Name: "Notepad"},
		{ID: "window:2", Name: "第五人格"},
		{ID: "window:3", Name: "IdentityV Launcher"},
	}
	tests := []struct {
		id, name string
		want     string
		ok       bool
	}{
		{"window:1", "第五人格", "window:1", true},
		{"window:9", "第五人格", "window:2", true},
		{"", "identityv launcher", "window:3", true},
		{"", "launcher", "window:3", true},
		{"window:9", "", "", false},
		{"", "Steam", "", false},
	}
	for _, tt := range tests {
		got, ok := ResolveSource(sources, tt.id, tt.name)
		if ok != tt.ok || got.ID != tt.want {
			t.Fatalf("ResolveSource(%q,%q) = %v,%v", tt.id, tt.name, got, ok)
		}
	}
}

func TestStillCapture(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	path := filepath.Join(t.TempDir(), "frame.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c, err := OpenStillCapture(path)
	if err != nil {
		t.Fatalf("OpenStillCapture() error = %v", err)
	}
	ctx := context.Background()
	sources, _ := c.ListSources(ctx)
	if len(sources) != 1 || sources[0].Name != "frame.png" {
		t.Fatalf("unexpected sources %v", sources)
	}
	frame, err := c.CaptureFrame(ctx, sources[0].ID)
	if err != nil {
		t.Fatalf("CaptureFrame() error = %v", err)
	}
	if w, h := frame.Size(); w != 64 || h != 32 {
		t.Fatalf("unexpected frame size %dx%d", w, h)
	}

	_, err = c.CaptureFrame(ctx, "window:404")
	var ce *CaptureError
	if !errors.As(err, &ce) || !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected CaptureError wrapping ErrSourceNotFound, got %v", err)
	}
}

func TestStillCaptureRejectsEmptyFrame(t *testing.T) {
	c := NewStillCapture(Source{ID: "s"}, image.NewRGBA(image.Rect(0, 0, 0, 0)))
	_, err := c.CaptureFrame(context.Background(), "s")
	if !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}
