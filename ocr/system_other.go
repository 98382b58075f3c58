//go:build !windows

package ocr

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/luolangaga/asgocr/config"
)

const (
	defaultSystemLanguage = "chi_sim"
	// SystemWorkerName is the Tesseract worker program built from cmd/asgocr-sysworker.
	SystemWorkerName = "asgocr-sysworker"
)

func (b *SystemBackend) resolveWorker() (string, error) {
	if b.opts.WorkerPath != "" {
		if _, err := os.Stat(b.opts.WorkerPath); err != nil {
			return "", err
		}
		return b.opts.WorkerPath, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), SystemWorkerName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return exec.LookPath(SystemWorkerName)
}

func (b *SystemBackend) Available(ctx context.Context) error {
	if _, err := b.resolveWorker(); err != nil {
		return &CapabilityMissingError{Engine: config.EngineWindows, Capability: "runtime", Detail: SystemWorkerName + " not found: " + err.Error()}
	}
	return nil
}

func (b *SystemBackend) command(extra ...string) (Command, error) {
	path, err := b.resolveWorker()
	if err != nil {
		return Command{}, &CapabilityMissingError{Engine: config.EngineWindows, Capability: "runtime", Detail: err.Error()}
	}
	return Command{Path: path, Args: append([]string{"-lang", b.opts.Language}, extra...)}, nil
}

func (b *SystemBackend) WorkerCommand() (Command, error) { return b.command() }

func (b *SystemBackend) OneShotCommand(imagePath string) (Command, error) {
	return b.command("-once", imagePath)
}
