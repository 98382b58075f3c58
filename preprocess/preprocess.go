// Package preprocess derives several image variants from a cropped region to
// raise the odds that at least one of them recognizes cleanly.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/luolangaga/asgocr/config"
)

// VariantKind names a preprocessing variant.
type VariantKind string

const (
	// VariantOriginal is the crop as captured.
	VariantOriginal VariantKind = "original"
	// VariantEnhanced is upscaled, level-normalized and sharpened.
	VariantEnhanced VariantKind = "enhanced"
	// VariantBinarized is VariantEnhanced in greyscale, thresholded to black and white.
	VariantBinarized VariantKind = "binarized"
)

// Variant is one candidate image materialized on disk.
type Variant struct {
	Kind   VariantKind
	Path   string
	Width  int
	Height int
}

const (
	DefaultMaxDimension   = 4096
	DefaultUpscalePadding = 160
	DefaultSharpenSigma   = 1.0
	// levelClip is the fraction of darkest and brightest pixels ignored when
	// stretching levels.
	levelClip = 0.005
)

// Options tunes candidate generation.
type Options struct {
	// Dir receives the variant files. Empty means os.TempDir().
	Dir string
	// MaxDimension caps the upscaled width and height.
	MaxDimension int
	// UpscalePadding is the minimum number of pixels added when upscaling.
	UpscalePadding int
	SharpenSigma   float64
	// DisableEnhance produces only the original variant.
	DisableEnhance bool
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{
		MaxDimension:   DefaultMaxDimension,
		UpscalePadding: DefaultUpscalePadding,
		SharpenSigma:   DefaultSharpenSigma,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDimension <= 0 {
		o.MaxDimension = d.MaxDimension
	}
	if o.UpscalePadding < 0 {
		o.UpscalePadding = 0
	}
	if o.UpscalePadding == 0 {
		o.UpscalePadding = d.UpscalePadding
	}
	if o.SharpenSigma <= 0 {
		o.SharpenSigma = d.SharpenSigma
	}
	return o
}

// CandidateSet owns the variant files for one region. Cleanup must be called
// on every path once the region's recognition attempts are over.
type CandidateSet struct {
	Region   config.RegionKey
	Variants []Variant
}

// Cleanup removes every variant file. It is safe to call more than once.
func (s *CandidateSet) Cleanup() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, v := range s.Variants {
		if v.Path == "" {
			continue
		}
		if err := os.Remove(v.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Paths returns the variant file paths in order.
func (s *CandidateSet) Paths() []string {
	paths := make([]string, 0, len(s.Variants))
	for _, v := range s.Variants {
		paths = append(paths, v.Path)
	}
	return paths
}

// BuildCandidates writes the ordered variants [original, enhanced, binarized]
// for img. When enhancement is disabled, or img exceeds the processing
// limits, only the original is produced. On error every file written so far
// is removed.
func BuildCandidates(img image.Image, key config.RegionKey, opts Options) (*CandidateSet, error) {
	opts = opts.withDefaults()
	b := img.Bounds()
	enhance := !opts.DisableEnhance
	if err := validateImageBounds(b.Dx(), b.Dy()); err != nil {
		if !errors.Is(err, errImageTooLarge) {
			return nil, fmt.Errorf("region %s: %w", key, err)
		}
		enhance = false
	}

	set := &CandidateSet{Region: key}
	add := func(kind VariantKind, v image.Image) error {
		path, err := writeTemp(opts.Dir, key, kind, v)
		if err != nil {
			return err
		}
		vb := v.Bounds()
		set.Variants = append(set.Variants, Variant{Kind: kind, Path: path, Width: vb.Dx(), Height: vb.Dy()})
		return nil
	}

	if err := add(VariantOriginal, img); err != nil {
		set.Cleanup()
		return nil, err
	}
	if !enhance {
		return set, nil
	}

	up := Upscale(img, opts.MaxDimension, opts.UpscalePadding)
	enhanced := imaging.Sharpen(NormalizeLevels(up), opts.SharpenSigma)
	if err := add(VariantEnhanced, enhanced); err != nil {
		set.Cleanup()
		return nil, err
	}
	grey := imaging.Sharpen(NormalizeLevels(imaging.Grayscale(up)), opts.SharpenSigma)
	if err := add(VariantBinarized, Threshold(grey, OtsuLevel(grey))); err != nil {
		set.Cleanup()
		return nil, err
	}
	return set, nil
}

func writeTemp(dir string, key config.RegionKey, kind VariantKind, img image.Image) (string, error) {
	f, err := os.CreateTemp(dir, fmt.Sprintf("asgocr-%s-%s-*.png", key, kind))
	if err != nil {
		return "", fmt.Errorf("create %s variant: %w", kind, err)
	}
	path := f.Name()
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encode %s variant: %w", kind, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s variant: %w", kind, err)
	}
	return path, nil
}

// UpscaleSize returns the target size for a w×h crop: the width grows to
// min(maxDim, max(2w, w+padding)) keeping the aspect ratio, and neither side
// exceeds maxDim.
func UpscaleSize(w, h, maxDim, padding int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	target := min(maxDim, max(2*w, w+padding))
	scale := float64(target) / float64(w)
	if float64(h)*scale > float64(maxDim) {
		scale = float64(maxDim) / float64(h)
	}
	tw := max(1, int(math.Round(float64(w)*scale)))
	th := max(1, int(math.Round(float64(h)*scale)))
	return min(tw, maxDim), min(th, maxDim)
}

// Upscale resamples img with a Catmull-Rom kernel to UpscaleSize.
func Upscale(img image.Image, maxDim, padding int) *image.NRGBA {
	b := img.Bounds()
	tw, th := UpscaleSize(b.Dx(), b.Dy(), maxDim, padding)
	dst := image.NewNRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// NormalizeLevels stretches luminance so the darkest and brightest pixels
// (ignoring a small clipped fraction) map to black and white.
func NormalizeLevels(img image.Image) *image.NRGBA {
	src := imaging.Clone(img)
	var hist [256]int
	total := 0
	for i := 0; i+3 < len(src.Pix); i += 4 {
		hist[luma(src.Pix[i], src.Pix[i+1], src.Pix[i+2])]++
		total++
	}
	if total == 0 {
		return src
	}
	clip := int(float64(total) * levelClip)
	lo, hi := 0, 255
	for acc := 0; lo < 255; lo++ {
		acc += hist[lo]
		if acc > clip {
			break
		}
	}
	for acc := 0; hi > 0; hi-- {
		acc += hist[hi]
		if acc > clip {
			break
		}
	}
	if hi <= lo {
		return src
	}
	span := float64(hi - lo)
	stretch := func(v uint8) uint8 {
		f := (float64(v) - float64(lo)) * 255 / span
		return uint8(math.Max(0, math.Min(255, math.Round(f))))
	}
	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: stretch(c.R), G: stretch(c.G), B: stretch(c.B), A: c.A}
	})
}

// OtsuLevel returns the luminance threshold that best separates img into two
// classes.
func OtsuLevel(img *image.NRGBA) uint8 {
	var hist [256]float64
	total := 0.0
	for i := 0; i+3 < len(img.Pix); i += 4 {
		hist[luma(img.Pix[i], img.Pix[i+1], img.Pix[i+2])]++
		total++
	}
	if total == 0 {
		return 128
	}
	sum := 0.0
	for i, n := range hist {
		sum += float64(i) * n
	}
	var sumB, wB, best float64
	level := 128
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * hist[t]
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			level = t
		}
	}
	return uint8(level)
}

// Threshold maps pixels brighter than level to white and the rest to black.
func Threshold(img *image.NRGBA, level uint8) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		if luma(c.R, c.G, c.B) > level {
			return color.NRGBA{255, 255, 255, c.A}
		}
		return color.NRGBA{0, 0, 0, c.A}
	})
}

func luma(r, g, b uint8) uint8 {
	return uint8((299*int(r) + 587*int(g) + 114*int(b) + 500) / 1000)
}
