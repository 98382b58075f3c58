package ocr

import (
	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/resources"
)

// SystemOptions configures the lightweight engine.
type SystemOptions struct {
	// Language selects the recognizer model: a BCP-47 tag for
	// Windows.Media.Ocr, a traineddata name for the Tesseract worker.
	Language string
	// WorkerPath overrides the worker executable where the engine runs as a
	// separate Go program.
	WorkerPath string
	Resources  *resources.Materializer
	Limits     Limits
}

// SystemBackend is the lightweight, OS-provided engine. On Windows it drives
// Windows.Media.Ocr through the bundled PowerShell worker; elsewhere it runs
// the Tesseract-backed asgocr-sysworker program.
type SystemBackend struct {
	opts SystemOptions
}

// NewSystemBackend returns the platform's lightweight engine backend.
func NewSystemBackend(opts SystemOptions) *SystemBackend {
	if opts.Language == "" {
		opts.Language = defaultSystemLanguage
	}
	if opts.Resources == nil {
		opts.Resources = resources.NewMaterializer("")
	}
	return &SystemBackend{opts: opts}
}

func (b *SystemBackend) Engine() config.Engine { return config.EngineWindows }

func (b *SystemBackend) Limits() Limits { return b.opts.Limits.withDefaults(config.EngineWindows) }

// Language returns the configured recognizer language.
func (b *SystemBackend) Language() string { return b.opts.Language }
