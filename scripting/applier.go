package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/observability"
	"github.com/luolangaga/asgocr/recognition"
)

// DefaultApplyTimeout bounds one apply call.
const DefaultApplyTimeout = 5 * time.Second

// ApplyFunction is the global the script must define:
//
//	function apply(matched, raw) { return {applied: true} }
//
// matched maps region keys to resolved names, raw maps them to the
// recognized text. The result is a boolean or an {applied, reason} object.
const ApplyFunction = "apply"

// ApplierOptions configures a ScriptApplier.
type ApplierOptions struct {
	// StatePath backs host.saveState and host.loadState. Empty disables them.
	StatePath string
	Timeout   time.Duration
	Log       observability.Logger
}

// ScriptApplier commits matched results by calling a user script.
type ScriptApplier struct {
	name    string
	engine  *GojaEngine
	timeout time.Duration
}

// LoadScriptApplier reads and evaluates the script at path.
func LoadScriptApplier(ctx context.Context, path string, opts ApplierOptions) (*ScriptApplier, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apply script: %w", err)
	}
	return NewScriptApplier(ctx, filepath.Base(path), string(src), opts)
}

// NewScriptApplier evaluates source and checks that it defines apply.
func NewScriptApplier(ctx context.Context, name, source string, opts ApplierOptions) (*ScriptApplier, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultApplyTimeout
	}
	log := observability.OrNop(opts.Log).With(observability.String("script", name))
	engine := NewEngine()
	if err := engine.RegisterHost(&fileHost{path: opts.StatePath, log: log}); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if _, err := engine.Execute(ctx, source); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", name, err)
	}
	if !engine.HasFunction(ApplyFunction) {
		return nil, fmt.Errorf("%s does not define function %s(matched, raw)", name, ApplyFunction)
	}
	return &ScriptApplier{name: name, engine: engine, timeout: opts.Timeout}, nil
}

// ApplyMatchedResult calls the script's apply function.
func (a *ScriptApplier) ApplyMatchedResult(ctx context.Context, matched map[config.RegionKey][]string, raw map[config.RegionKey]string) (recognition.ApplyResult, error) {
	jsMatched := make(map[string]interface{}, len(matched))
	for k, names := range matched {
		list := make([]interface{}, len(names))
		for i, n := range names {
			list[i] = n
		}
		jsMatched[string(k)] = list
	}
	jsRaw := make(map[string]interface{}, len(raw))
	for k, text := range raw {
		jsRaw[string(k)] = text
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	out, err := a.engine.Call(ctx, ApplyFunction, jsMatched, jsRaw)
	if err != nil {
		return recognition.ApplyResult{}, fmt.Errorf("%s: %w", a.name, err)
	}
	return toApplyResult(out)
}

func toApplyResult(v interface{}) (recognition.ApplyResult, error) {
	switch r := v.(type) {
	case nil:
		return recognition.ApplyResult{Reason: "apply returned no result"}, nil
	case bool:
		return recognition.ApplyResult{Applied: r}, nil
	case map[string]interface{}:
		var res recognition.ApplyResult
		res.Applied, _ = r["applied"].(bool)
		if reason, ok := r["reason"]; ok && reason != nil {
			res.Reason = fmt.Sprint(reason)
		}
		return res, nil
	default:
		return recognition.ApplyResult{}, fmt.Errorf("apply returned %T, want boolean or object", v)
	}
}

var errNoStateFile = errors.New("no state file configured")

// fileHost persists script state as a JSON file.
type fileHost struct {
	path string
	log  observability.Logger
}

func (h *fileHost) Log(level, message string) {
	switch level {
	case "error":
		h.log.Error(message)
	case "warn":
		h.log.Warn(message)
	default:
		h.log.Info(message)
	}
}

func (h *fileHost) SaveState(value interface{}) error {
	if h.path == "" {
		return errNoStateFile
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(h.path), filepath.Base(h.path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), h.path)
}

func (h *fileHost) LoadState() (interface{}, error) {
	if h.path == "" {
		return nil, errNoStateFile
	}
	data, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
