package ocr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/observability"
)

// maxLineBytes bounds one protocol line.
const maxLineBytes = 4 << 20

type result struct {
	text string
	err  error
}

// process is one spawned worker. A Worker replaces it on every restart; stale
// callbacks compare against Worker.proc and drop out.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	gen   int

	writeMu sync.Mutex

	ready     chan struct{}
	readyErr  error
	readyDone bool
}

func (p *process) pid() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) send(req Request) error {
	line, err := EncodeLine(req)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(line)
	return err
}

func (p *process) kill() {
	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// Worker is the handle of one engine's persistent worker process. Its state,
// pending map and counters are only touched under mu, by the request path and
// by the worker's own reader goroutine.
type Worker struct {
	backend Backend
	engine  config.Engine
	limits  Limits
	log     observability.Logger

	mu         sync.Mutex
	state      WorkerState
	proc       *process
	pending    map[int64]chan result
	counter    int64
	served     int
	startedAt  time.Time
	gpu        bool
	generation int
}

// NewWorker returns a worker in StateNotStarted. Nothing is spawned until the
// first request.
func NewWorker(b Backend, log observability.Logger) *Worker {
	engine := b.Engine()
	return &Worker{
		backend: b,
		engine:  engine,
		limits:  b.Limits().withDefaults(engine),
		log:     observability.OrNop(log).With(observability.String("engine", string(engine))),
		pending: make(map[int64]chan result),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the worker's bookkeeping.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		Engine:     w.engine,
		State:      w.state,
		Generation: w.generation,
		PID:        w.proc.pid(),
		Served:     w.served,
		Pending:    len(w.pending),
		LastID:     w.counter,
		GPU:        w.gpu,
	}
}

// Recognize sends one request on the persistent channel, spawning the worker
// first if needed.
func (w *Worker) Recognize(ctx context.Context, imagePath string) (string, error) {
	p, err := w.ensureReady(ctx)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	if w.proc != p || w.state != StateReady {
		w.mu.Unlock()
		return "", w.protoErr("request", ErrWorkerExited)
	}
	w.counter++
	id := w.counter
	ch := make(chan result, 1)
	w.pending[id] = ch
	w.mu.Unlock()

	if err := p.send(Request{ID: id, ImagePath: imagePath}); err != nil {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return "", w.protoErr("write", err)
	}

	timer := time.NewTimer(w.limits.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		w.completed(p)
		return res.text, nil
	case <-timer.C:
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return "", w.protoErr("request", fmt.Errorf("request %d %w after %s", id, ErrTimeout, w.limits.RequestTimeout))
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return "", ctx.Err()
	}
}

// completed counts a successful request and recycles the worker once the
// ceiling is reached.
func (w *Worker) completed(p *process) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != p {
		return
	}
	w.served++
	if w.limits.RecycleAfter > 0 && w.served >= w.limits.RecycleAfter {
		w.log.Info("recycling worker",
			observability.Int("served", w.served),
			observability.Int("generation", w.generation),
			observability.String("metric", observability.MetricWorkerRecycle))
		w.resetLocked(p, w.protoErr("recycle", errRecycled))
	}
}

// Kill terminates the current process and returns to StateNotStarted. The
// next request respawns it.
func (w *Worker) Kill(reason error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil {
		return
	}
	if reason == nil {
		reason = errKilled
	}
	w.log.Warn("killing worker", observability.Err(reason))
	w.resetLocked(w.proc, w.protoErr("kill", reason))
}

// Stop terminates the worker for good.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != nil {
		w.resetLocked(w.proc, ErrClosed)
	}
	w.state = StateStopped
}

func (w *Worker) ensureReady(ctx context.Context) (*process, error) {
	w.mu.Lock()
	switch w.state {
	case StateStopped:
		w.mu.Unlock()
		return nil, ErrClosed
	case StateReady:
		p := w.proc
		w.mu.Unlock()
		return p, nil
	case StateNotStarted:
		if err := w.spawnLocked(); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	p := w.proc
	w.mu.Unlock()

	timer := time.NewTimer(w.limits.StartupTimeout)
	defer timer.Stop()
	select {
	case <-p.ready:
		if p.readyErr != nil {
			return nil, p.readyErr
		}
		return p, nil
	case <-timer.C:
		err := w.protoErr("startup", fmt.Errorf("no ready message, %w after %s", ErrTimeout, w.limits.StartupTimeout))
		w.mu.Lock()
		if w.proc == p {
			w.resetLocked(p, err)
		}
		w.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) spawnLocked() error {
	spec, err := w.backend.WorkerCommand()
	if err != nil {
		return err
	}
	cmd := spec.persistent()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return w.protoErr("spawn", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return w.protoErr("spawn", err)
	}
	cmd.Stderr = &stderrLogger{log: w.log}
	if err := cmd.Start(); err != nil {
		return w.protoErr("spawn", err)
	}

	w.generation++
	w.counter = 0
	w.served = 0
	w.gpu = false
	w.startedAt = time.Now()
	w.pending = make(map[int64]chan result)
	p := &process{cmd: cmd, stdin: stdin, gen: w.generation, ready: make(chan struct{})}
	w.proc = p
	w.state = StateStarting
	w.log.Info("worker spawned",
		observability.Int("pid", p.pid()),
		observability.Int("generation", p.gen),
		observability.String("metric", observability.MetricWorkerSpawns))

	go w.readLoop(p, stdout)
	return nil
}

// readLoop buffers stdout until full lines are available, so chunked writes
// from the worker are reassembled before decoding.
func (w *Worker) readLoop(p *process, stdout io.Reader) {
	r := bufio.NewReaderSize(stdout, 64*1024)
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > maxLineBytes {
				w.log.Warn("worker line too long, dropping", observability.Int("bytes", len(buf)))
				buf = buf[:0]
			}
			continue
		}
		if len(bytes.TrimSpace(buf)) > 0 {
			w.handleLine(p, buf)
		}
		buf = buf[:0]
		if err != nil {
			break
		}
	}
	waitErr := p.cmd.Wait()
	w.handleExit(p, waitErr)
}

func (w *Worker) handleLine(p *process, line []byte) {
	msg, err := DecodeMessage(line)
	if err != nil {
		w.log.Debug("ignoring non-protocol worker output", observability.String("line", truncate(string(line), 200)))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != p {
		return
	}
	switch {
	case msg.Type == TypeReady:
		if w.state != StateStarting {
			w.log.Warn("duplicate ready message ignored")
			return
		}
		w.state = StateReady
		w.gpu = msg.GPU != nil && *msg.GPU
		p.readyDone = true
		close(p.ready)
		w.log.Info("worker ready",
			observability.Bool("gpu", w.gpu),
			observability.Duration("startup", time.Since(w.startedAt)))
	case msg.Type == TypeFatal:
		err := msg.failure(w.engine)
		w.log.Error("worker reported fatal error", observability.Err(err))
		w.resetLocked(p, err)
	default:
		ch, ok := w.pending[*msg.ID]
		if !ok {
			w.log.Warn("response for unknown request", observability.Int64("id", *msg.ID))
			return
		}
		delete(w.pending, *msg.ID)
		if msg.Succeeded() {
			ch <- result{text: msg.Text}
		} else {
			ch <- result{err: msg.failure(w.engine)}
		}
	}
}

func (w *Worker) handleExit(p *process, waitErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != p {
		return
	}
	cause := ErrWorkerExited
	if waitErr != nil {
		cause = fmt.Errorf("%w: %v", ErrWorkerExited, waitErr)
	}
	w.log.Warn("worker exited unexpectedly", observability.Err(cause))
	w.resetLocked(p, w.protoErr("exit", cause))
}

// resetLocked kills p, rejects everything pending on it and returns the
// worker to StateNotStarted (or leaves it Stopped).
func (w *Worker) resetLocked(p *process, cause error) {
	for id, ch := range w.pending {
		ch <- result{err: cause}
		delete(w.pending, id)
	}
	if !p.readyDone {
		p.readyErr = cause
		p.readyDone = true
		close(p.ready)
	}
	p.kill()
	if w.proc == p {
		w.proc = nil
	}
	if w.state != StateStopped {
		w.state = StateNotStarted
	}
}

func (w *Worker) protoErr(op string, err error) error {
	var pe *WorkerProtocolError
	var ce *CapabilityMissingError
	if errors.As(err, &pe) || errors.As(err, &ce) || errors.Is(err, ErrClosed) {
		return err
	}
	return &WorkerProtocolError{Engine: w.engine, Op: op, Err: err}
}

// stderrLogger forwards worker stderr lines to the debug log.
type stderrLogger struct {
	log observability.Logger
	buf []byte
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(s.buf[:i])); line != "" {
			s.log.Debug("worker stderr", observability.String("line", truncate(line, 500)))
		}
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) > maxLineBytes {
		s.buf = s.buf[:0]
	}
	return len(p), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
