//go:build !linux && !windows

package capture

import "context"

type unsupportedCapture struct{}

// New returns the window capture adapter for this platform.
func New() WindowCapture { return unsupportedCapture{} }

func (unsupportedCapture) ListSources(ctx context.Context) ([]Source, error) {
	return nil, captureErr("", ErrUnsupported)
}

func (unsupportedCapture) CaptureFrame(ctx context.Context, sourceID string) (Frame, error) {
	return Frame{}, captureErr(sourceID, ErrUnsupported)
}
