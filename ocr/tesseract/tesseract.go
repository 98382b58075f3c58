// Package tesseract recognizes text with Tesseract through gosseract. It backs
// the lightweight engine on platforms without Windows.Media.Ocr.
package tesseract

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/ocr"
	"github.com/otiai10/gosseract/v2"
)

// Recognizer keeps one gosseract client alive across images so the language
// model is loaded once per worker process.
type Recognizer struct {
	languages []string
	// MinConfidence drops words below this confidence (0..1) when positive.
	MinConfidence float64

	clientFactory func() *gosseract.Client
	availableFunc func() ([]string, error)

	mu     sync.Mutex
	client *gosseract.Client
}

// New returns a recognizer for a Tesseract language spec such as "chi_sim"
// or "chi_sim+eng".
func New(language string) *Recognizer {
	var langs []string
	for _, l := range strings.Split(language, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return &Recognizer{
		languages:     langs,
		clientFactory: gosseract.NewClient,
		availableFunc: gosseract.GetAvailableLanguages,
	}
}

// Check returns a *ocr.CapabilityMissingError listing the installed models
// when a configured language is not available.
func (r *Recognizer) Check() error {
	if len(r.languages) == 0 {
		return &ocr.CapabilityMissingError{Engine: config.EngineWindows, Capability: "language", Detail: "no language configured"}
	}
	available, err := r.availableFunc()
	if err != nil {
		return &ocr.CapabilityMissingError{Engine: config.EngineWindows, Capability: "runtime", Detail: err.Error()}
	}
	for _, l := range r.languages {
		if !slices.Contains(available, l) {
			return &ocr.CapabilityMissingError{
				Engine:     config.EngineWindows,
				Capability: l,
				Available:  available,
				Detail:     fmt.Sprintf("tesseract language %s is not installed", l),
			}
		}
	}
	return nil
}

// Recognize returns the text of the image file at path.
func (r *Recognizer) Recognize(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.clientLocked()
	if err != nil {
		return "", err
	}
	if err := c.SetImage(path); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if r.MinConfidence > 0 {
		return joinCJK(strings.Join(r.confidentWords(c), " ")), nil
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return joinCJK(text), nil
}

func (r *Recognizer) clientLocked() (*gosseract.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	c := r.clientFactory()
	if err := c.SetLanguage(r.languages...); err != nil {
		c.Close()
		return nil, fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		c.Close()
		return nil, fmt.Errorf("set page segmentation: %w", err)
	}
	r.client = c
	return c, nil
}

func (r *Recognizer) confidentWords(c *gosseract.Client) []string {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil
	}
	words := make([]string, 0, len(boxes))
	for _, b := range boxes {
		if b.Confidence/100.0 < r.MinConfidence {
			continue
		}
		words = append(words, b.Word)
	}
	return words
}

// Close releases the client.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// joinCJK trims the text, folds line breaks into spaces and drops the spaces
// Tesseract inserts between adjacent Han characters.
func joinCJK(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(fields[0])
	for i := 1; i < len(fields); i++ {
		prev := []rune(fields[i-1])
		next := []rune(fields[i])
		if !unicode.Is(unicode.Han, prev[len(prev)-1]) || !unicode.Is(unicode.Han, next[0]) {
			b.WriteByte(' ')
		}
		b.WriteString(fields[i])
	}
	return b.String()
}
