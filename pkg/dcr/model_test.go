package dcr

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/maskedimage"
)

func TestFromImageRoundTrip(t *testing.T) {
	bbox := image.Rect(10, 20, 17, 25)
	coadd := gradient(bbox)

	for n := 1; n <= 5; n++ {
		m := mustModel(t, coadd, n)
		assert.Equal(t, n, m.Len())
		ref, err := m.ReferenceImage(image.Rectangle{})
		require.NoError(t, err)
		// The reference is the mean, so it is the coadd divided by n.
		ref.Scale(float64(n), ref)
		assert.True(t, mat.EqualApprox(coadd.Image(), ref, 1e-12), "n=%d", n)
	}
}

func TestFromImageVarianceScaling(t *testing.T) {
	coadd := filled(image.Rect(0, 0, 3, 3), 6, 9)
	m := mustModel(t, coadd, 3)
	for i := 0; i < 3; i++ {
		img := mustAt(t, m, i)
		assert.InDelta(t, 2.0, img.At(1, 1), 1e-12)
		assert.InDelta(t, 3.0, img.Variance().At(1, 1), 1e-12)
	}
}

func TestFromImageReplacesNonFinite(t *testing.T) {
	coadd := filled(image.Rect(0, 0, 3, 3), 6, 9)
	coadd.Set(1, 1, math.NaN(), 1, 0)
	coadd.Set(2, 0, 1, math.Inf(1), 0)

	m := mustModel(t, coadd, 2)
	img := mustAt(t, m, 1)
	assert.Equal(t, 0.0, img.At(1, 1))
	assert.Equal(t, 0.0, img.Variance().At(0, 2))
	assert.Equal(t, maskedimage.NoData, img.Mask().Get(1, 1))
	assert.Equal(t, maskedimage.NoData, img.Mask().Get(2, 0))

	// The input is untouched.
	assert.True(t, math.IsNaN(coadd.At(1, 1)))
}

func TestFromImageIndependentCopies(t *testing.T) {
	m := mustModel(t, filled(image.Rect(0, 0, 2, 2), 4, 4), 2)
	mustAt(t, m, 0).Set(0, 0, 100, 0, 0)
	assert.Equal(t, 2.0, mustAt(t, m, 1).At(0, 0))
}

func TestFromImageRejectsZeroSubfilters(t *testing.T) {
	_, err := FromImage(filled(image.Rect(0, 0, 2, 2), 1, 1), 0, nil, nil)
	assert.ErrorIs(t, err, ErrSubfilterCount)
}

func TestIndexing(t *testing.T) {
	m := mustModel(t, gradient(image.Rect(0, 0, 4, 4)), 3)
	mustAt(t, m, 2).Set(0, 0, 42, 0, 0)

	t.Run("negative", func(t *testing.T) {
		assert.Same(t, mustAt(t, m, 2), mustAt(t, m, -1))
		assert.Equal(t, 42.0, mustAt(t, m, -1).At(0, 0))
		assert.Same(t, mustAt(t, m, 1), mustAt(t, m, -2))
	})

	t.Run("out of range", func(t *testing.T) {
		for _, i := range []int{3, 4, -3, -4} {
			_, err := m.At(i)
			assert.ErrorIs(t, err, ErrIndexRange, "index %d", i)
			assert.ErrorIs(t, m.Set(i, filled(m.BBox(), 0, 0)), ErrIndexRange, "index %d", i)
		}
	})
}

func TestSet(t *testing.T) {
	m := mustModel(t, gradient(image.Rect(0, 0, 4, 4)), 2)

	err := m.Set(0, filled(image.Rect(0, 0, 3, 4), 1, 1))
	assert.ErrorIs(t, err, ErrBBoxMismatch)

	err = m.Set(1, nil)
	assert.ErrorIs(t, err, ErrMissingSubfilter)
	assert.Equal(t, gradient(m.BBox()).At(3, 3)/2, mustAt(t, m, 1).At(3, 3))

	replacement := filled(m.BBox(), 7, 1)
	require.NoError(t, m.Set(-1, replacement))
	assert.Equal(t, 7.0, mustAt(t, m, 1).At(3, 3))

	// The model keeps its own copy.
	replacement.Set(3, 3, 0, 0, 0)
	assert.Equal(t, 7.0, mustAt(t, m, 1).At(3, 3))
}

func TestAccessors(t *testing.T) {
	coadd := gradient(image.Rect(0, 0, 4, 4))
	coadd.Mask().Set(1, 2, maskedimage.Detected)
	m := mustModel(t, coadd, 2)

	assert.Equal(t, coadd.BBox(), m.BBox())
	assert.Equal(t, testFilter, m.Filter())
	assert.Equal(t, exposure.GaussianPSF{Sigma: 1.5}, m.PSF())
	assert.Equal(t, maskedimage.Detected, m.Mask().Get(1, 2))
}

func TestAssign(t *testing.T) {
	bbox := image.Rect(0, 0, 8, 8)
	m := mustModel(t, filled(bbox, 3, 3), 3)
	sub := mustModel(t, filled(bbox, 30, 3), 3)
	region := image.Rect(2, 3, 6, 5)

	require.NoError(t, m.Assign(sub, region))

	ref, err := m.ReferenceImage(region)
	require.NoError(t, err)
	r, c := ref.Dims()
	assert.Equal(t, region.Dy(), r)
	assert.Equal(t, region.Dx(), c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.InDelta(t, 10.0, ref.At(i, j), 1e-12)
		}
	}
	assert.InDelta(t, 1.0, mustAt(t, m, 0).At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, mustAt(t, m, 2).At(6, 5), 1e-12)

	t.Run("subfilter count", func(t *testing.T) {
		other := mustModel(t, filled(bbox, 30, 3), 2)
		assert.ErrorIs(t, m.Assign(other, region), ErrSubfilterCount)
	})

	t.Run("region outside", func(t *testing.T) {
		assert.ErrorIs(t, m.Assign(sub, image.Rect(5, 5, 10, 10)), ErrBBoxMismatch)
	})

	t.Run("smaller sub-model", func(t *testing.T) {
		tile := mustModel(t, filled(image.Rect(4, 4, 8, 8), 60, 3), 3)
		require.NoError(t, m.Assign(tile, image.Rect(5, 5, 7, 7)))
		assert.InDelta(t, 20.0, mustAt(t, m, 1).At(5, 6), 1e-12)
		assert.InDelta(t, 1.0, mustAt(t, m, 1).At(4, 4), 1e-12)
	})
}

func TestFromStorage(t *testing.T) {
	bbox := image.Rect(0, 0, 3, 3)
	psf := exposure.GaussianPSF{Sigma: 2}

	loader := LoaderFunc(func(i int) (*exposure.Exposure, error) {
		e := &exposure.Exposure{MaskedImage: filled(bbox, float64(i), 1)}
		if i == 1 {
			e.Filter = testFilter
			e.PSF = psf
		}
		return e, nil
	})
	m, err := FromStorage(3, loader)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, testFilter, m.Filter())
	assert.Equal(t, psf, m.PSF())
	assert.Equal(t, 2.0, mustAt(t, m, 2).At(1, 1))

	t.Run("missing subfilter", func(t *testing.T) {
		_, err := FromStorage(3, LoaderFunc(func(i int) (*exposure.Exposure, error) {
			if i == 2 {
				return nil, nil
			}
			return &exposure.Exposure{MaskedImage: filled(bbox, 1, 1)}, nil
		}))
		assert.ErrorIs(t, err, ErrMissingSubfilter)
	})

	t.Run("loader error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := FromStorage(2, LoaderFunc(func(int) (*exposure.Exposure, error) { return nil, boom }))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("mismatched boxes", func(t *testing.T) {
		_, err := FromStorage(2, LoaderFunc(func(i int) (*exposure.Exposure, error) {
			return &exposure.Exposure{MaskedImage: filled(image.Rect(0, 0, 3+i, 3), 1, 1)}, nil
		}))
		assert.ErrorIs(t, err, ErrBBoxMismatch)
	})
}

func TestClone(t *testing.T) {
	m := mustModel(t, gradient(image.Rect(0, 0, 3, 3)), 2)
	c := m.Clone()
	mustAt(t, c, 0).Set(0, 0, -1, 0, 0)
	assert.NotEqual(t, -1.0, mustAt(t, m, 0).At(0, 0))
}
