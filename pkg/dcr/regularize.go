package dcr

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"dcrcoadd/pkg/maskedimage"
	"dcrcoadd/pkg/ndimage"
)

// noiseBufferSize is how far the noise estimate stays from the region edges.
const noiseBufferSize = 5

// StatsControl selects the pixels that take part in statistics. Pixels with
// any AndMask or ConvergenceMask bit set are excluded from the noise estimate.
type StatsControl struct {
	AndMask         maskedimage.MaskPixel
	ConvergenceMask maskedimage.MaskPixel
}

// DefaultStatsControl excludes bad, edge, saturated, interpolated and missing
// pixels, and detected sources from the noise estimate.
func DefaultStatsControl() StatsControl {
	return StatsControl{
		AndMask:         maskedimage.Bad | maskedimage.Edge | maskedimage.Sat | maskedimage.Intrp | maskedimage.NoData,
		ConvergenceMask: maskedimage.Detected,
	}
}

// Condition averages the new subfilter solutions with the current model over
// bbox to damp oscillations between iterations:
//
//	new = (gain*new + old) / (1 + gain)
//
// for the value and the variance plane. newModels are modified in place.
func (m *Model) Condition(newModels []*maskedimage.MaskedImage, bbox image.Rectangle, gain float64) error {
	if err := checkNewModels(newModels, m.Len(), bbox); err != nil {
		return err
	}
	old, err := m.sub(bbox)
	if err != nil {
		return err
	}
	norm := 1 / (1 + gain)
	for i, nm := range newModels {
		for _, planes := range [][2]*mat.Dense{
			{nm.Image(), old[i].Image()},
			{nm.Variance(), old[i].Variance()},
		} {
			dst, prev := planes[0], planes[1]
			dst.Scale(gain, dst)
			dst.Add(dst, prev)
			dst.Scale(norm, dst)
		}
	}
	return nil
}

// RegularizeIter restricts how far one subfilter may move in one iteration:
// newModel's values are clamped to [ref/factor, |ref|*factor], where ref is the
// model's current value over bbox. Only regions at least width pixels in
// radius are clamped.
func (m *Model) RegularizeIter(subfilter int, newModel *maskedimage.MaskedImage, bbox image.Rectangle, factor float64, width int) error {
	i, err := m.index(subfilter)
	if err != nil {
		return err
	}
	if newModel.BBox() != bbox {
		return fmt.Errorf("%w: new image has %v, expected %v", ErrBBoxMismatch, newModel.BBox(), bbox)
	}
	ref, err := m.images[i].Sub(bbox)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBBoxMismatch, err)
	}
	refImage := ref.Image()

	var high, low mat.Dense
	high.Apply(func(_, _ int, v float64) float64 { return math.Abs(v) * factor }, refImage)
	low.Scale(1/factor, refImage)

	clamped := ClampToThresholds(newModel.Image(), &high, &low, width)
	newModel.Image().Copy(clamped)
	return nil
}

// RegularizeFreq restricts the variation between subfilters: each subfilter
// is forced to be a smoothly varying multiple of the reference image.
//
// The smoothed ratio of every subfilter to the smoothed reference is sharpened
// and clamped to [1/sqrt(factor), sqrt(factor)], then multiplied back by the
// reference and written to the value plane of newModels. The square root is
// used because the bound applies to the distance of one subfilter from the
// mean of all of them, not between pairs of subfilters. mask, if set, replaces
// the mask of newModels[0] in the noise estimate. Nothing is changed when the
// reference has no positive pixels. Non-finite pixels of the reference and of
// newModels are treated as zero.
func (m *Model) RegularizeFreq(newModels []*maskedimage.MaskedImage, bbox image.Rectangle, stats StatsControl,
	factor float64, width int, mask *maskedimage.Mask) error {
	if err := checkNewModels(newModels, m.Len(), bbox); err != nil {
		return err
	}
	maxDiff := math.Sqrt(factor)
	noise, err := NoiseCutoff(newModels[0], bbox, noiseBufferSize, stats, mask)
	if err != nil {
		return err
	}
	ref, err := m.ReferenceImage(bbox)
	if err != nil {
		return err
	}

	valid := 0
	ref.Apply(func(_, _ int, v float64) float64 {
		if !isFinite(v) || v <= 0 {
			return 0
		}
		valid++
		return v
	}, ref)
	if valid == 0 {
		return nil
	}

	sigma := float64(width)
	// The noise of the smoothed image drops by roughly the number of pixels
	// in the kernel's FWHM.
	fwhm := 2 * sigma
	if fwhm <= 0 {
		fwhm = 1
	}
	noise /= fwhm

	smoothRef := ndimage.GaussianFilter(ref, sigma)
	addScalar(smoothRef, noise)

	rows, cols := ref.Dims()
	high := constDense(rows, cols, maxDiff)
	low := constDense(rows, cols, 1/maxDiff)

	for _, nm := range newModels {
		in := mat.DenseCopyOf(nm.Image())
		in.Apply(func(_, _ int, v float64) float64 {
			if !isFinite(v) {
				return 0
			}
			return v
		}, in)
		relative := ndimage.GaussianFilter(in, sigma)
		addScalar(relative, noise)
		relative.Apply(func(r, c int, v float64) float64 {
			d := smoothRef.At(r, c)
			if d == 0 {
				return 1
			}
			return v / d
		}, relative)

		// Unsharp mask with an amount of 3 to restore detail lost to smoothing.
		blurred := ndimage.GaussianFilter(relative, sigma/3)
		var detail mat.Dense
		detail.Sub(relative, blurred)
		detail.Scale(3, &detail)
		relative.Add(relative, &detail)

		clamped := ClampToThresholds(relative, high, low, width)
		clamped.MulElem(clamped, ref)
		nm.Image().Copy(clamped)
	}
	return nil
}

// NoiseCutoff returns the standard deviation of the background pixels of img
// within bbox shrunk by bufferSize. Background pixels have none of the stats
// bits set in mask, or in the mask of img when mask is nil, and a finite
// value. It is zero when no background pixel remains.
func NoiseCutoff(img *maskedimage.MaskedImage, bbox image.Rectangle, bufferSize int, stats StatsControl, mask *maskedimage.Mask) (float64, error) {
	if mask == nil {
		mask = img.Mask()
	}
	shrunk := bbox.Inset(bufferSize)
	if shrunk.Empty() || bbox.Dx() <= 2*bufferSize || bbox.Dy() <= 2*bufferSize {
		return 0, nil
	}
	view, err := img.Sub(shrunk)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBBoxMismatch, err)
	}
	maskView, err := mask.Sub(shrunk)
	if err != nil {
		return 0, fmt.Errorf("%w: mask %v", ErrBBoxMismatch, err)
	}

	exclude := stats.AndMask | stats.ConvergenceMask
	var background []float64
	for y := shrunk.Min.Y; y < shrunk.Max.Y; y++ {
		bits := maskView.Row(y)
		for x, v := range view.ImageRow(y) {
			if bits[x]&exclude == 0 && isFinite(v) {
				background = append(background, v)
			}
		}
	}
	if len(background) == 0 {
		return 0, nil
	}
	_, std := stat.PopMeanStdDev(background, nil)
	return std, nil
}

// ClampToThresholds returns a copy of img with pixels above high set to high
// and pixels below low set to low. Either bound may be nil. When width > 0 the
// out-of-bounds flags are opened with a diamond of that radius first, so
// isolated excursions narrower than the diamond are left alone.
func ClampToThresholds(img mat.Matrix, high, low mat.Matrix, width int) *mat.Dense {
	out := mat.DenseCopyOf(img)
	rows, cols := out.Dims()
	structure := ndimage.Diamond(width)

	apply := func(bound mat.Matrix, outside func(v, b float64) bool) {
		if bound == nil {
			return
		}
		flags := ndimage.NewBinary(rows, cols)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				flags.Set(r, c, outside(out.At(r, c), bound.At(r, c)))
			}
		}
		if width > 0 {
			flags = ndimage.Open(flags, structure)
		}
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if flags.At(r, c) {
					out.Set(r, c, bound.At(r, c))
				}
			}
		}
	}
	apply(high, func(v, b float64) bool { return v > b })
	apply(low, func(v, b float64) bool { return v < b })
	return out
}

func addScalar(m *mat.Dense, v float64) {
	m.Apply(func(_, _ int, x float64) float64 { return x + v }, m)
}

func constDense(rows, cols int, v float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(rows, cols, data)
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
