package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/lamngt/imageflow/internal/worker/domain"
)

// ImageTransformer applies a named transformation to raw image bytes. It is a
// pure computation: same input bytes and name always yield the same output,
// which makes retries safe.
type ImageTransformer struct{}

// NewImageTransformer creates a new ImageTransformer
func NewImageTransformer() *ImageTransformer {
	return &ImageTransformer{}
}

type transformResult struct {
	data []byte
	err  error
}

// Transform decodes original, applies the transformation and re-encodes in
// the source format. The work runs in its own goroutine so a context deadline
// bounds it even though the underlying library has no cancellation hook.
func (t *ImageTransformer) Transform(ctx context.Context, original []byte, transformation string) ([]byte, error) {
	resultChan := make(chan transformResult, 1)

	go func() {
		data, err := apply(original, transformation)
		resultChan <- transformResult{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrTransformTimeout, ctx.Err())
	}
}

func apply(original []byte, transformation string) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		if _, _, cfgErr := image.DecodeConfig(bytes.NewReader(original)); cfgErr != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnsupportedFormat, err)
		}
		// Header parsed but pixel data did not.
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
	}

	encFormat, err := encodingFormat(format)
	if err != nil {
		return nil, err
	}

	var out image.Image
	switch transformation {
	case domain.TransformationRotated:
		out = imaging.Rotate90(img)
	case domain.TransformationGray:
		out = imaging.Grayscale(img)
	case domain.TransformationScaled:
		b := img.Bounds()
		out = imaging.Resize(img, b.Dx()*2, b.Dy()*2, imaging.Lanczos)
	default:
		return nil, fmt.Errorf("%w: unknown transformation %q", domain.ErrUnsupportedFormat, transformation)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, encFormat); err != nil {
		return nil, fmt.Errorf("failed to encode transformed image: %w", err)
	}

	return buf.Bytes(), nil
}

func encodingFormat(format string) (imaging.Format, error) {
	switch format {
	case "jpeg":
		return imaging.JPEG, nil
	case "png":
		return imaging.PNG, nil
	default:
		return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}
}
