package preprocess

import (
	"errors"
	"fmt"
)

const (
	// maxSourceDimension caps width/height of a crop accepted for processing.
	maxSourceDimension = 32768
	// maxSourcePixels bounds the crop pixel count (roughly 64MP).
	maxSourcePixels int64 = 64 * 1024 * 1024
)

// errImageTooLarge marks crops that are recognized as captured, without
// enhancement.
var errImageTooLarge = errors.New("image exceeds processing limits")

func validateImageBounds(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("image bounds invalid (%d x %d)", width, height)
	}
	if width > maxSourceDimension || height > maxSourceDimension {
		return fmt.Errorf("%w: dimension %d x %d", errImageTooLarge, width, height)
	}
	pixels := int64(width) * int64(height)
	if pixels > maxSourcePixels {
		return fmt.Errorf("%w: pixel count %d over %d", errImageTooLarge, pixels, maxSourcePixels)
	}
	return nil
}
