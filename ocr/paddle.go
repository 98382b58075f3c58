package ocr

import (
	"context"
	"os"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/resources"
)

// Runtime locates the interpreter the heavier engine runs on.
type Runtime interface {
	PythonPath() string
	// Ready returns nil once the interpreter and its packages are installed.
	Ready() error
}

// PaddleOptions configures the PaddleOCR backend.
type PaddleOptions struct {
	Runtime   Runtime
	Resources *resources.Materializer
	Limits    Limits
	// Env is appended to the inherited environment.
	Env []string
}

// PaddleBackend runs the bundled PaddleOCR worker on an installed interpreter.
type PaddleBackend struct {
	opts PaddleOptions
}

// NewPaddleBackend returns the heavier engine backend.
func NewPaddleBackend(opts PaddleOptions) *PaddleBackend {
	if opts.Resources == nil {
		opts.Resources = resources.NewMaterializer("")
	}
	return &PaddleBackend{opts: opts}
}

func (b *PaddleBackend) Engine() config.Engine { return config.EnginePaddle }

func (b *PaddleBackend) Limits() Limits { return b.opts.Limits.withDefaults(config.EnginePaddle) }

func (b *PaddleBackend) Available(ctx context.Context) error {
	if b.opts.Runtime == nil {
		return &CapabilityMissingError{Engine: config.EnginePaddle, Capability: "runtime", Detail: "no runtime configured"}
	}
	if err := b.opts.Runtime.Ready(); err != nil {
		return &CapabilityMissingError{Engine: config.EnginePaddle, Capability: "runtime", Detail: err.Error()}
	}
	return nil
}

func (b *PaddleBackend) command(extra ...string) (Command, error) {
	if err := b.Available(context.Background()); err != nil {
		return Command{}, err
	}
	script, err := b.opts.Resources.Path(resources.PaddleWorkerScript)
	if err != nil {
		return Command{}, err
	}
	env := append(os.Environ(),
		"PYTHONIOENCODING=utf-8",
		"PYTHONUTF8=1",
		"PYTHONUNBUFFERED=1",
	)
	env = append(env, b.opts.Env...)
	args := append([]string{"-u", script}, extra...)
	return Command{Path: b.opts.Runtime.PythonPath(), Args: args, Env: env}, nil
}

func (b *PaddleBackend) WorkerCommand() (Command, error) { return b.command() }

func (b *PaddleBackend) OneShotCommand(imagePath string) (Command, error) {
	return b.command("--once", imagePath)
}
