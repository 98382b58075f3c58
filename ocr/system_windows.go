//go:build windows

package ocr

import (
	"context"
	"os/exec"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/resources"
)

const defaultSystemLanguage = "zh-Hans-CN"

func (b *SystemBackend) Available(ctx context.Context) error {
	if _, err := exec.LookPath("powershell.exe"); err != nil {
		return &CapabilityMissingError{Engine: config.EngineWindows, Capability: "runtime", Detail: "powershell.exe not found"}
	}
	return nil
}

func (b *SystemBackend) command(extra ...string) (Command, error) {
	script, err := b.opts.Resources.Path(resources.WindowsWorkerScript)
	if err != nil {
		return Command{}, err
	}
	args := []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", script, "-Language", b.opts.Language}
	return Command{Path: "powershell.exe", Args: append(args, extra...)}, nil
}

func (b *SystemBackend) WorkerCommand() (Command, error) { return b.command() }

func (b *SystemBackend) OneShotCommand(imagePath string) (Command, error) {
	return b.command("-Once", imagePath)
}
