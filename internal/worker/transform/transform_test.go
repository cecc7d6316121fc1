package transform

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamngt/imageflow/internal/worker/domain"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestTransform_Rotated(t *testing.T) {
	tr := NewImageTransformer()

	out, err := tr.Transform(context.Background(), encodePNG(t, 40, 20), domain.TransformationRotated)
	require.NoError(t, err)

	w, h := decodeDims(t, out)
	assert.Equal(t, 20, w)
	assert.Equal(t, 40, h)
}

func TestTransform_Scaled(t *testing.T) {
	tr := NewImageTransformer()

	out, err := tr.Transform(context.Background(), encodePNG(t, 16, 10), domain.TransformationScaled)
	require.NoError(t, err)

	w, h := decodeDims(t, out)
	assert.Equal(t, 32, w)
	assert.Equal(t, 20, h)
}

func TestTransform_Gray(t *testing.T) {
	tr := NewImageTransformer()

	out, err := tr.Transform(context.Background(), encodePNG(t, 8, 8), domain.TransformationGray)
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	// Every pixel of a grayscale image has equal channels.
	b := img.Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			assert.Equal(t, r, g)
			assert.Equal(t, g, bl)
		}
	}
}

func TestTransform_PreservesSourceFormat(t *testing.T) {
	tr := NewImageTransformer()

	out, err := tr.Transform(context.Background(), encodeJPEG(t, 10, 10), domain.TransformationGray)
	require.NoError(t, err)

	_, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestTransform_UnknownTransformation(t *testing.T) {
	tr := NewImageTransformer()

	_, err := tr.Transform(context.Background(), encodePNG(t, 4, 4), "sepia")
	require.ErrorIs(t, err, domain.ErrUnsupportedFormat)
	assert.True(t, domain.IsDataError(err))
}

func TestTransform_NotAnImage(t *testing.T) {
	tr := NewImageTransformer()

	_, err := tr.Transform(context.Background(), []byte("definitely not pixels"), domain.TransformationGray)
	require.ErrorIs(t, err, domain.ErrUnsupportedFormat)
	assert.True(t, domain.IsDataError(err))
}

func TestTransform_TruncatedImage(t *testing.T) {
	tr := NewImageTransformer()

	full := encodePNG(t, 64, 64)
	truncated := full[:len(full)/2]

	_, err := tr.Transform(context.Background(), truncated, domain.TransformationGray)
	require.Error(t, err)
	assert.True(t, domain.IsDataError(err))
}

func TestTransform_DeadlineExceeded(t *testing.T) {
	tr := NewImageTransformer()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := tr.Transform(ctx, encodePNG(t, 200, 200), domain.TransformationScaled)
	require.ErrorIs(t, err, domain.ErrTransformTimeout)
	assert.False(t, domain.IsDataError(err))
	assert.False(t, domain.IsRetryable(err))
}
