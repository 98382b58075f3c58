package scripting

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

type GojaEngine struct {
	mu sync.Mutex
	vm *goja.Runtime
}

func NewEngine() *GojaEngine {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return &GojaEngine{vm: vm}
}

func (e *GojaEngine) Execute(ctx context.Context, script string) (interface{}, error) {
	val, err := e.run(ctx, func() (goja.Value, error) { return e.vm.RunString(script) })
	if err != nil {
		return nil, err
	}
	return val.Export(), nil
}

func (e *GojaEngine) Call(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	val, err := e.run(ctx, func() (goja.Value, error) {
		callable, ok := goja.AssertFunction(e.vm.Get(fn))
		if !ok {
			return nil, fmt.Errorf("script does not define function %q", fn)
		}
		jsArgs := make([]goja.Value, len(args))
		for i, a := range args {
			jsArgs[i] = e.vm.ToValue(a)
		}
		return callable(goja.Undefined(), jsArgs...)
	})
	if err != nil {
		return nil, err
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// HasFunction reports whether the global name is callable.
func (e *GojaEngine) HasFunction(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := goja.AssertFunction(e.vm.Get(name))
	return ok
}

// run executes fn on the VM, interrupting it when ctx ends. The runtime is
// not goroutine-safe, so calls are serialized.
func (e *GojaEngine) run(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	defer e.vm.ClearInterrupt()

	go func() {
		select {
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := fn()
	if err != nil {
		if interruptedErr, ok := err.(*goja.InterruptedError); ok {
			if cause := interruptedErr.Unwrap(); cause != nil {
				return nil, cause
			}
			return nil, context.Canceled
		}
		return nil, err
	}
	return val, nil
}

func (e *GojaEngine) RegisterHost(host Host) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logFn := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			msg := ""
			for i, arg := range call.Arguments {
				if i > 0 {
					msg += " "
				}
				msg += arg.String()
			}
			host.Log(level, msg)
			return goja.Undefined()
		}
	}
	console := e.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(level, logFn(level)); err != nil {
			return err
		}
	}
	if err := e.vm.Set("console", console); err != nil {
		return err
	}

	hostObj := e.vm.NewObject()
	err := hostObj.Set("saveState", func(call goja.FunctionCall) goja.Value {
		var v interface{}
		if len(call.Arguments) > 0 {
			v = call.Arguments[0].Export()
		}
		if err := host.SaveState(v); err != nil {
			panic(e.vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	if err != nil {
		return err
	}
	err = hostObj.Set("loadState", func(call goja.FunctionCall) goja.Value {
		v, err := host.LoadState()
		if err != nil {
			panic(e.vm.NewGoError(err))
		}
		return e.vm.ToValue(v)
	})
	if err != nil {
		return err
	}
	return e.vm.Set("host", hostObj)
}
