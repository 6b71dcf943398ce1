package warp

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"

	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/maskedimage"
)

func ramp(bbox image.Rectangle) *maskedimage.MaskedImage {
	mi := maskedimage.New(bbox)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			mi.Set(x, y, float64(10*y+x), 1, 0)
		}
	}
	return mi
}

func TestLanczosKernel(t *testing.T) {
	k := Lanczos(3)
	assert.Equal(t, 3.0, k.Support)
	assert.Equal(t, 1.0, k.At(0))
	assert.Equal(t, 0.0, k.At(1))
	assert.Equal(t, 0.0, k.At(2))
	assert.Greater(t, k.At(0.5), 0.0)
	assert.Less(t, k.At(1.5), 0.0)
}

func TestKernelByName(t *testing.T) {
	for _, name := range []string{"lanczos2", "Lanczos3", "lanczos4", "bilinear", "catmullrom", "nearest"} {
		k, err := KernelByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, k)
	}
	_, err := KernelByName("sinc")
	assert.Error(t, err)

	_, err = NewControl("lanczos3", "cubic")
	assert.Error(t, err)
}

func TestWarpZeroShiftIsIdentity(t *testing.T) {
	bbox := image.Rect(3, 2, 13, 10)
	src := ramp(bbox)
	src.Mask().Set(5, 5, maskedimage.CR)

	dst, err := NewWarper(DefaultControl()).Warp(src, bbox, geom.Extent2D{})
	require.NoError(t, err)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			assert.InDelta(t, src.At(x, y), dst.At(x, y), 1e-12)
		}
	}
	assert.Equal(t, maskedimage.CR, dst.Mask().Get(5, 5))
	assert.Equal(t, 0, dst.Mask().Count(maskedimage.NoData))
}

func TestWarpIntegerShift(t *testing.T) {
	bbox := image.Rect(0, 0, 10, 10)
	src := ramp(bbox)

	dst, err := NewWarper(DefaultControl()).Warp(src, bbox, geom.Extent2D{X: 2, Y: 1})
	require.NoError(t, err)

	assert.InDelta(t, src.At(3, 4), dst.At(5, 5), 1e-12)
	assert.InDelta(t, src.At(7, 8), dst.At(9, 9), 1e-12)

	// Pixels sampled from outside the source are padded.
	assert.Equal(t, maskedimage.NoData, dst.Mask().Get(1, 5))
	assert.Equal(t, 0.0, dst.At(1, 5))
	assert.Equal(t, maskedimage.NoData, dst.Mask().Get(5, 0))
	assert.Equal(t, 28, dst.Mask().Count(maskedimage.NoData))
}

func TestWarpBilinearHalfPixel(t *testing.T) {
	bbox := image.Rect(0, 0, 4, 4)
	src := ramp(bbox)
	src.Mask().Set(2, 1, maskedimage.Sat)

	w := NewWarper(Control{ImageKernel: draw.BiLinear, MaskKernel: draw.BiLinear})
	dst, err := w.Warp(src, bbox, geom.Extent2D{X: 0.5})
	require.NoError(t, err)

	assert.InDelta(t, (src.At(1, 1)+src.At(2, 1))/2, dst.At(2, 1), 1e-12)
	assert.InDelta(t, 0.5, dst.Variance().At(1, 2), 1e-12)

	assert.Equal(t, maskedimage.Sat, dst.Mask().Get(2, 1))
	assert.Equal(t, maskedimage.Sat, dst.Mask().Get(3, 1))
	assert.Equal(t, maskedimage.MaskPixel(0), dst.Mask().Get(1, 1))
	assert.Equal(t, maskedimage.NoData, dst.Mask().Get(0, 2))
}

func TestWarpRejectsBadInput(t *testing.T) {
	src := ramp(image.Rect(0, 0, 4, 4))
	w := NewWarper(Control{})
	_, err := w.Warp(src, image.Rectangle{}, geom.Extent2D{})
	assert.Error(t, err)
}
