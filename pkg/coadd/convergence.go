package coadd

import (
	"fmt"
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"dcrcoadd/pkg/dcr"
	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/maskedimage"
)

var nan = math.NaN()

// exposureWeights returns the inverse of the mean variance of the good pixels
// of every exposure within bbox. Exposures without good pixels get zero.
func exposureWeights(exposures []*exposure.Exposure, bbox image.Rectangle, badMask maskedimage.MaskPixel) ([]float64, error) {
	weights := make([]float64, len(exposures))
	for i, e := range exposures {
		view, err := e.MaskedImage.Sub(bbox)
		if err != nil {
			return nil, fmt.Errorf("exposure %d: %w", i, err)
		}
		var good []float64
		for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
			bits := view.Mask().Row(y)
			values := view.ImageRow(y)
			for x, v := range view.VarianceRow(y) {
				if bits[x]&(badMask|maskedimage.NoData) != 0 || !isFinite(values[x]) || !isFinite(v) || v <= 0 {
					continue
				}
				good = append(good, v)
			}
		}
		if len(good) > 0 {
			weights[i] = 1 / stat.Mean(good, nil)
		}
	}
	if floats.Sum(weights) == 0 {
		return nil, ErrNoWeight
	}
	return weights, nil
}

// convergence measures how well the model predicts the exposures: the
// weighted mean over exposures of
//
//	sum(|exposure - template| * s) / sum(|exposure + template| / 2 * s)
//
// where s is the significance of each pixel in the reference image. Lower is
// better.
func (a *Assembler) convergence() (float64, error) {
	p := a.params
	ref, err := a.model.ReferenceImage(a.bbox)
	if err != nil {
		return 0, err
	}
	first, err := a.model.At(0)
	if err != nil {
		return 0, err
	}
	stats := dcr.StatsControl{AndMask: p.BadMask | maskedimage.NoData, ConvergenceMask: p.ConvergenceMask}
	noise, err := dcr.NoiseCutoff(first, a.bbox, 5, stats, nil)
	if err != nil {
		return 0, err
	}
	significance := mat.NewDense(a.bbox.Dy(), a.bbox.Dx(), nil)
	significance.Apply(func(_, _ int, v float64) float64 {
		if !isFinite(v) {
			return 0
		}
		return math.Abs(v) + 3*noise
	}, ref)
	if mat.Max(significance) == 0 {
		significance.Apply(func(_, _ int, _ float64) float64 { return 1 }, significance)
	}

	var sum, wsum float64
	for e, exp := range a.exposures {
		if a.weights[e] == 0 {
			continue
		}
		template, err := a.model.BuildMatchedTemplate(dcr.TemplateParams{
			Visit:     exp.Visit,
			BBox:      a.bbox,
			Wcs:       exp.Wcs,
			Split:     p.SplitSubfilters,
			Warper:    p.Warper,
			Refractor: p.Refractor,
		})
		if err != nil {
			return 0, fmt.Errorf("template for exposure %d: %w", e, err)
		}
		view, err := exp.MaskedImage.Sub(a.bbox)
		if err != nil {
			return 0, err
		}
		c := singleConvergence(view, template, significance, p.BadMask, p.ConvergenceMask)
		if math.IsNaN(c) {
			continue
		}
		sum += a.weights[e] * c
		wsum += a.weights[e]
	}
	if wsum == 0 {
		return 0, ErrNoWeight
	}
	return sum / wsum, nil
}

// singleConvergence is the convergence metric of one exposure, NaN when no
// pixel qualifies.
func singleConvergence(exp, template *maskedimage.MaskedImage, significance *mat.Dense,
	badMask, convergenceMask maskedimage.MaskPixel) float64 {
	bbox := exp.BBox()
	bad := badMask | maskedimage.NoData
	var diff, total float64
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		r := y - bbox.Min.Y
		expBits, tmplBits := exp.Mask().Row(y), template.Mask().Row(y)
		tmpl := template.ImageRow(y)
		sig := significance.RawRowView(r)
		for x, v := range exp.ImageRow(y) {
			if (expBits[x]|tmplBits[x])&bad != 0 || !isFinite(v) || !isFinite(tmpl[x]) {
				continue
			}
			if convergenceMask != 0 && expBits[x]&convergenceMask == 0 {
				continue
			}
			diff += math.Abs(v-tmpl[x]) * sig[x]
			total += math.Abs(v+tmpl[x]) / 2 * sig[x]
		}
	}
	if total == 0 {
		return nan
	}
	return diff / total
}

// calculateGain returns the weight of the next solution. convergence holds the
// starting metric followed by one value per iteration, and gains the gain each
// of those iterations used.
//
// With a progressive gain the final convergence is estimated from the history,
// assuming every iteration closes the same fraction of the remaining gap. The
// gain is then raised when the last iteration did better than predicted.
func (a *Assembler) calculateGain(convergence, gains []float64) float64 {
	base := a.params.BaseGain
	if base <= 0 {
		base = 1
		if n := a.params.NumSubfilters; n > 1 {
			base = 1 / float64(n-1)
		}
	}
	nIter := len(convergence)
	if !a.params.UseProgressiveGain || nIter <= 2 || len(gains) < nIter-1 {
		return base
	}

	estimates := make([]float64, nIter-1)
	for i := range estimates {
		g := gains[i]
		estimates[i] = math.Max(((1+g)*convergence[i+1]-convergence[i])/g, 0)
	}
	estFinal := median(estimates[max(nIter-5, 0):])

	lastGain := gains[nIter-2]
	lastConv := convergence[nIter-2]
	newConv := convergence[nIter-1]
	predicted := (estFinal*lastGain + lastConv) / (1 + lastGain)

	delta := 0.0
	if d := lastConv - estFinal; d != 0 {
		delta = (predicted - newConv) / d
	}
	newGain := (1 - math.Abs(delta) + lastGain) / 2
	return math.Max(base, newGain)
}

// median calculates the median value of a slice of float64 values
func median(values []float64) float64 {
	// Create a copy to avoid modifying the original
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
