package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/observability"
)

// Gateway owns one lazily created Worker per engine and implements the
// per-image fallback from the persistent worker to a one-shot run.
type Gateway struct {
	log observability.Logger

	mu       sync.Mutex
	backends map[config.Engine]Backend
	workers  map[config.Engine]*Worker
	oneShots map[config.Engine]int
	closed   bool
}

// NewGateway registers the given backends. A later backend for the same
// engine replaces an earlier one.
func NewGateway(log observability.Logger, backends ...Backend) *Gateway {
	g := &Gateway{
		log:      observability.OrNop(log),
		backends: make(map[config.Engine]Backend),
		workers:  make(map[config.Engine]*Worker),
		oneShots: make(map[config.Engine]int),
	}
	for _, b := range backends {
		g.backends[b.Engine()] = b
	}
	return g
}

func (g *Gateway) backend(engine config.Engine) (Backend, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	b, ok := g.backends[engine]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEngine, engine)
	}
	return b, nil
}

func (g *Gateway) worker(engine config.Engine) (*Worker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if w, ok := g.workers[engine]; ok {
		return w, nil
	}
	b, ok := g.backends[engine]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEngine, engine)
	}
	w := NewWorker(b, g.log)
	g.workers[engine] = w
	return w, nil
}

// Available reports whether engine can run on this machine.
func (g *Gateway) Available(ctx context.Context, engine config.Engine) error {
	b, err := g.backend(engine)
	if err != nil {
		return err
	}
	return b.Available(ctx)
}

// Recognize returns the text in the image at imagePath using engine. A
// persistent worker failure kills the worker and retries exactly once as a
// one-shot invocation; an {"ok":false} answer keeps the worker alive but is
// retried the same way.
func (g *Gateway) Recognize(ctx context.Context, engine config.Engine, imagePath string) (string, error) {
	b, err := g.backend(engine)
	if err != nil {
		return "", err
	}
	if err := b.Available(ctx); err != nil {
		return "", err
	}
	w, err := g.worker(engine)
	if err != nil {
		return "", err
	}

	text, err := w.Recognize(ctx, imagePath)
	if err == nil {
		return text, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if errors.Is(err, ErrClosed) {
		return "", err
	}
	var recErr *RecognitionError
	if !errors.As(err, &recErr) {
		w.Kill(err)
	}
	g.log.Warn("persistent worker failed, retrying one-shot",
		observability.String("engine", string(engine)),
		observability.Err(err))

	g.mu.Lock()
	g.oneShots[engine]++
	g.mu.Unlock()
	text, oneErr := runOneShot(ctx, b, imagePath)
	if oneErr != nil {
		g.log.Warn("one-shot recognition failed",
			observability.String("engine", string(engine)),
			observability.Err(oneErr))
		return "", oneErr
	}
	return text, nil
}

// Stats returns the worker bookkeeping for engine.
func (g *Gateway) Stats(engine config.Engine) WorkerStats {
	g.mu.Lock()
	w := g.workers[engine]
	oneShots := g.oneShots[engine]
	g.mu.Unlock()
	st := WorkerStats{Engine: engine}
	if w != nil {
		st = w.Stats()
	}
	st.OneShots = oneShots
	return st
}

// Stop terminates engine's worker; the next request starts a fresh one.
func (g *Gateway) Stop(engine config.Engine) {
	g.mu.Lock()
	w := g.workers[engine]
	g.mu.Unlock()
	if w != nil {
		w.Kill(errKilled)
	}
}

// Dispose stops every worker and rejects all later requests.
func (g *Gateway) Dispose() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	workers := make([]*Worker, 0, len(g.workers))
	for _, w := range g.workers {
		workers = append(workers, w)
	}
	g.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

// runOneShot invokes the backend outside the persistent channel and reads the
// single response it prints.
func runOneShot(ctx context.Context, b Backend, imagePath string) (string, error) {
	engine := b.Engine()
	spec, err := b.OneShotCommand(imagePath)
	if err != nil {
		return "", err
	}
	limits := b.Limits().withDefaults(engine)
	ctx, cancel := context.WithTimeout(ctx, limits.OneShotTimeout)
	defer cancel()

	cmd := spec.bounded(ctx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	var resp *Message
	for _, line := range bytes.Split(stdout.Bytes(), []byte("\n")) {
		msg, err := DecodeMessage(line)
		if err != nil {
			continue
		}
		if msg.IsResponse() || msg.Type == TypeFatal {
			m := msg
			resp = &m
		}
	}
	if resp != nil {
		if resp.IsResponse() && resp.Succeeded() {
			return resp.Text, nil
		}
		return "", resp.failure(engine)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", &WorkerProtocolError{Engine: engine, Op: "oneshot", Err: fmt.Errorf("%w after %s", ErrTimeout, limits.OneShotTimeout)}
	}
	cause := ErrNoResponse
	if runErr != nil {
		cause = fmt.Errorf("%w: %v", ErrNoResponse, runErr)
	}
	if tail := strings.TrimSpace(lastLines(stderr.String(), 3)); tail != "" {
		cause = fmt.Errorf("%w: %s", cause, tail)
	}
	return "", &WorkerProtocolError{Engine: engine, Op: "oneshot", Err: cause}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
