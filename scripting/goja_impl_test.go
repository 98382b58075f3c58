package scripting

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGojaEngine_ContextCancellation(t *testing.T) {
	engine := NewEngine()

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if _, err := engine.Execute(ctx, "while (true) {}"); err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}

	if _, err := engine.Execute(context.Background(), "1 + 1"); err != nil {
		t.Fatalf("engine should recover after cancellation, got %v", err)
	}
}

func TestGojaEngine_ImmediateCancel(t *testing.T) {
	engine := NewEngine()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Execute(ctx, "42"); err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}

func TestGojaEngine_Call(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Execute(context.Background(), "function add(a, b) { return a + b }"); err != nil {
		t.Fatal(err)
	}
	got, err := engine.Call(context.Background(), "add", 2, 3)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got != int64(5) {
		t.Fatalf("Call() = %v (%T), want 5", got, got)
	}
	if _, err := engine.Call(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for undefined function")
	}
}

type recordingHost struct {
	logs  []string
	state interface{}
}

func (h *recordingHost) Log(level, message string) { h.logs = append(h.logs, level+":"+message) }
func (h *recordingHost) SaveState(v interface{}) error {
	h.state = v
	return nil
}
func (h *recordingHost) LoadState() (interface{}, error) { return h.state, nil }

func TestGojaEngine_RegisterHost(t *testing.T) {
	engine := NewEngine()
	host := &recordingHost{}
	if err := engine.RegisterHost(host); err != nil {
		t.Fatal(err)
	}
	_, err := engine.Execute(context.Background(), `
		console.warn("picked", 2);
		host.saveState({hunter: "孟婆"});
		host.loadState().hunter;
	`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(host.logs) != 1 || host.logs[0] != "warn:picked 2" {
		t.Fatalf("unexpected logs %q", host.logs)
	}
	state, ok := host.state.(map[string]interface{})
	if !ok || state["hunter"] != "孟婆" {
		t.Fatalf("unexpected state %#v", host.state)
	}
}
