//go:build windows

package capture

import (
	"os/exec"
	"syscall"
)

// createNoWindow keeps helper consoles from flashing over the captured window.
const createNoWindow = 0x08000000

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: createNoWindow}
}
