package ocr

import (
	"time"

	"github.com/luolangaga/asgocr/config"
)

// Limits bounds one engine's worker.
type Limits struct {
	// Time allowed between spawn and the ready message.
	StartupTimeout time.Duration
	// Time allowed for one request on the persistent channel.
	RequestTimeout time.Duration
	// Time allowed for a whole one-shot invocation, cold start included.
	OneShotTimeout time.Duration
	// Successful requests served before the worker is deliberately
	// restarted to bound native memory growth. Zero selects the engine
	// default; a negative value disables recycling.
	RecycleAfter int
}

// Tuned defaults per engine.
const (
	WindowsStartupTimeout = 30 * time.Second
	WindowsRequestTimeout = 30 * time.Second
	WindowsRecycleAfter   = 120
	PaddleStartupTimeout  = 180 * time.Second
	PaddleRequestTimeout  = 35 * time.Second
	PaddleRecycleAfter    = 100
)

// DefaultLimits returns the limits for engine.
func DefaultLimits(engine config.Engine) Limits {
	if engine == config.EnginePaddle {
		return Limits{
			StartupTimeout: PaddleStartupTimeout,
			RequestTimeout: PaddleRequestTimeout,
			OneShotTimeout: PaddleStartupTimeout + PaddleRequestTimeout,
			RecycleAfter:   PaddleRecycleAfter,
		}
	}
	return Limits{
		StartupTimeout: WindowsStartupTimeout,
		RequestTimeout: WindowsRequestTimeout,
		OneShotTimeout: WindowsStartupTimeout + WindowsRequestTimeout,
		RecycleAfter:   WindowsRecycleAfter,
	}
}

func (l Limits) withDefaults(engine config.Engine) Limits {
	d := DefaultLimits(engine)
	if l.StartupTimeout <= 0 {
		l.StartupTimeout = d.StartupTimeout
	}
	if l.RequestTimeout <= 0 {
		l.RequestTimeout = d.RequestTimeout
	}
	if l.OneShotTimeout <= 0 {
		l.OneShotTimeout = l.StartupTimeout + l.RequestTimeout
	}
	switch {
	case l.RecycleAfter == 0:
		l.RecycleAfter = d.RecycleAfter
	case l.RecycleAfter < 0:
		l.RecycleAfter = 0
	}
	return l
}
