package install

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// consoleLine decodes one line of subprocess output. Console programs on
// Chinese Windows write GBK when they are not forced to UTF-8.
func consoleLine(b []byte) string {
	if !utf8.Valid(b) {
		if decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(b); err == nil {
			b = decoded
		}
	}
	return strings.TrimSpace(string(b))
}

// scanConsoleLines splits on \n and on bare \r, so progress bars redrawn in
// place produce one line per update.
func scanConsoleLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// stepWaitDelay bounds how long Wait keeps draining output after the step is
// killed or exits while a descendant still holds the pipe.
const stepWaitDelay = 5 * time.Second

// runStep runs one subprocess with a timeout, streaming every non-empty
// output line to emit.
func (m *Manager) runStep(ctx context.Context, step string, timeout time.Duration, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = m.env()
	cmd.WaitDelay = stepWaitDelay
	hideWindow(cmd)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	m.appendLog(fmt.Sprintf("> %s %s", step, strings.Join(args, " ")))
	if err := cmd.Start(); err != nil {
		pw.Close()
		return &InstallError{Step: step, Err: err}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		sc.Split(scanConsoleLines)
		for sc.Scan() {
			if line := consoleLine(sc.Bytes()); line != "" {
				m.appendLog(line)
			}
		}
		io.Copy(io.Discard, pr)
	}()
	err := cmd.Wait()
	pw.Close()
	<-done

	if err == nil {
		return nil
	}
	ie := &InstallError{Step: step, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ie.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ie.Err = fmt.Errorf("timed out after %s", timeout)
	}
	return ie
}
