package imagecheck

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ErrEmpty is returned for zero-length uploads.
var ErrEmpty = errors.New("empty image payload")

// Check confirms the payload decodes as a supported image. Only the header
// is parsed; pixel data is never materialized. It runs before any network
// call so invalid uploads are rejected locally.
func Check(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("invalid image data: %w", err)
	}
	return nil
}
