package ocr

import (
	"context"
	"os/exec"

	"github.com/luolangaga/asgocr/config"
)

// Command describes a process to spawn.
type Command struct {
	Path string
	Args []string
	// Env replaces the environment when non-nil.
	Env []string
	Dir string
}

// persistent builds a process that outlives any single request.
func (c Command) persistent() *exec.Cmd {
	return c.configure(exec.Command(c.Path, c.Args...))
}

// bounded builds a process killed when ctx ends.
func (c Command) bounded(ctx context.Context) *exec.Cmd {
	return c.configure(exec.CommandContext(ctx, c.Path, c.Args...))
}

func (c Command) configure(cmd *exec.Cmd) *exec.Cmd {
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	hideWindow(cmd)
	return cmd
}

// Backend describes how to run one OCR engine.
type Backend interface {
	Engine() config.Engine
	Limits() Limits
	// Available reports whether the engine's runtime is present. It returns
	// a *CapabilityMissingError when it is not.
	Available(ctx context.Context) error
	// WorkerCommand is the persistent worker process.
	WorkerCommand() (Command, error)
	// OneShotCommand recognizes a single image and exits.
	OneShotCommand(imagePath string) (Command, error)
}
