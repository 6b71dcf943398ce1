package coadd

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/maskedimage"
)

func TestStackExposures(t *testing.T) {
	bbox := image.Rect(2, 1, 6, 4)
	a := filled(bbox, 10, 1)
	b := filled(bbox, 20, 4)

	a.Mask().Set(3, 2, maskedimage.Detected)
	b.Mask().Set(3, 2, maskedimage.CR)
	// Only b contributes here.
	a.Mask().Set(4, 2, maskedimage.Bad)
	// Nothing contributes here.
	a.Mask().Set(5, 3, maskedimage.Sat)
	b.Set(5, 3, math.NaN(), 4, 0)

	stack, err := StackExposures([]*exposure.Exposure{{MaskedImage: a}, {MaskedImage: b}}, maskedimage.Bad|maskedimage.Sat)
	require.NoError(t, err)
	assert.Equal(t, bbox, stack.BBox())

	assert.InDelta(t, 12.0, stack.At(2, 1), 1e-12)
	assert.InDelta(t, 0.8, stack.Variance().At(0, 0), 1e-12)
	assert.Equal(t, maskedimage.Detected|maskedimage.CR, stack.Mask().Get(3, 2))

	assert.InDelta(t, 20.0, stack.At(4, 2), 1e-12)
	assert.InDelta(t, 4.0, stack.Variance().At(1, 2), 1e-12)
	assert.Equal(t, maskedimage.MaskPixel(0), stack.Mask().Get(4, 2))

	assert.True(t, math.IsNaN(stack.At(5, 3)))
	assert.Equal(t, maskedimage.NoData, stack.Mask().Get(5, 3))
}

func TestStackExposuresSkipsZeroVariance(t *testing.T) {
	bbox := image.Rect(0, 0, 2, 2)
	a := filled(bbox, 1, 0)
	b := filled(bbox, 3, 2)
	stack, err := StackExposures([]*exposure.Exposure{{MaskedImage: a}, {MaskedImage: b}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, stack.At(1, 1))
}

func TestStackExposuresErrors(t *testing.T) {
	_, err := StackExposures(nil, 0)
	assert.ErrorIs(t, err, ErrNoExposures)

	_, err = StackExposures([]*exposure.Exposure{{}}, 0)
	assert.Error(t, err)

	big := filled(image.Rect(0, 0, 4, 4), 1, 1)
	small := filled(image.Rect(0, 0, 2, 2), 1, 1)
	_, err = StackExposures([]*exposure.Exposure{{MaskedImage: big}, {MaskedImage: small}}, 0)
	assert.ErrorIs(t, err, maskedimage.ErrOutOfBounds)
}
