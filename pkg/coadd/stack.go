package coadd

import (
	"fmt"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/maskedimage"
)

// StackExposures returns the inverse-variance weighted mean of the exposures
// over the bounding box of the first one. Pixels that are flagged with badMask
// or NO_DATA, are not finite, or have no positive variance are skipped. The
// variance of the mean is 1/sum(1/variance) and its mask is the union of the
// contributing masks. Pixels with no contributor are NaN and flagged NO_DATA.
func StackExposures(exposures []*exposure.Exposure, badMask maskedimage.MaskPixel) (*maskedimage.MaskedImage, error) {
	if len(exposures) == 0 {
		return nil, ErrNoExposures
	}
	bbox := exposures[0].BBox()
	views := make([]*maskedimage.MaskedImage, len(exposures))
	for i, e := range exposures {
		if e.MaskedImage == nil {
			return nil, fmt.Errorf("exposure %d has no pixels", i)
		}
		v, err := e.MaskedImage.Sub(bbox)
		if err != nil {
			return nil, fmt.Errorf("exposure %d: %w", i, err)
		}
		views[i] = v
	}

	skip := badMask | maskedimage.NoData
	out := maskedimage.New(bbox)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		values, variances, bits := out.ImageRow(y), out.VarianceRow(y), out.Mask().Row(y)
		for x := range values {
			var sum, wsum float64
			var mask maskedimage.MaskPixel
			for _, v := range views {
				val := v.ImageRow(y)[x]
				variance := v.VarianceRow(y)[x]
				m := v.Mask().Row(y)[x]
				if m&skip != 0 || !isFinite(val) || !isFinite(variance) || variance <= 0 {
					continue
				}
				w := 1 / variance
				sum += w * val
				wsum += w
				mask |= m
			}
			if wsum == 0 {
				values[x], variances[x], bits[x] = nan, nan, maskedimage.NoData
				continue
			}
			values[x] = sum / wsum
			variances[x] = 1 / wsum
			bits[x] = mask
		}
	}
	return out, nil
}
