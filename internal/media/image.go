package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // decoders registered for image.Decode
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

const (
	// MaxImageBytes is the destination's blob ceiling for images.
	MaxImageBytes = 976_560

	shrinkFactor   = 0.8
	maxShrinkSteps = 8
	jpegQuality    = 85
)

// fitImage returns data unchanged when it is within maxBytes (dimensions are
// then reported as zero). Larger images are decoded, downscaled step by step
// and re-encoded as JPEG until they fit.
func fitImage(data []byte, contentType string, maxBytes int) ([]byte, string, int, int, error) {
	if len(data) <= maxBytes {
		return data, contentType, 0, 0, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode image: %w", err)
	}

	width := uint(img.Bounds().Dx())
	for step := 0; step < maxShrinkSteps; step++ {
		var buf bytes.Buffer
		scaled := img
		if step > 0 {
			width = uint(float64(width) * shrinkFactor)
			if width == 0 {
				break
			}
			scaled = resize.Resize(width, 0, img, resize.Lanczos3)
		}
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", 0, 0, fmt.Errorf("encode image: %w", err)
		}
		if buf.Len() <= maxBytes {
			b := scaled.Bounds()
			return buf.Bytes(), "image/jpeg", b.Dx(), b.Dy(), nil
		}
	}
	return nil, "", 0, 0, fmt.Errorf("%w: image still over %d bytes after downscaling", ErrTooLarge, maxBytes)
}
