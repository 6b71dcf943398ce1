package coadd

import (
	"fmt"
	"image"

	"gonum.org/v1/gonum/mat"

	"dcrcoadd/internal/models"
	"dcrcoadd/pkg/dcr"
	"dcrcoadd/pkg/maskedimage"
)

// residualStack accumulates weighted residuals for one subfilter.
type residualStack struct {
	sum     *mat.Dense
	weights *mat.Dense
}

func newResidualStack(bbox image.Rectangle) *residualStack {
	return &residualStack{
		sum:     mat.NewDense(bbox.Dy(), bbox.Dx(), nil),
		weights: mat.NewDense(bbox.Dy(), bbox.Dx(), nil),
	}
}

func (s *residualStack) add(residual *maskedimage.MaskedImage, weight float64, badMask maskedimage.MaskPixel) {
	bbox := residual.BBox()
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		r := y - bbox.Min.Y
		sum, wsum := s.sum.RawRowView(r), s.weights.RawRowView(r)
		bits := residual.Mask().Row(y)
		for x, v := range residual.ImageRow(y) {
			if bits[x]&badMask != 0 || !isFinite(v) {
				continue
			}
			sum[x] += weight * v
			wsum[x] += weight
		}
	}
}

// mean returns the weighted mean residual, NaN where nothing contributed.
func (s *residualStack) mean() *mat.Dense {
	var out mat.Dense
	out.Apply(func(r, c int, v float64) float64 {
		w := s.weights.At(r, c)
		if w == 0 {
			return nan
		}
		return v / w
	}, s.sum)
	return &out
}

// solveTile computes a new model over the outer region of tile. The current
// model is only read, so tiles can be solved concurrently.
func (a *Assembler) solveTile(tile models.Tile, gain float64) (*dcr.Model, error) {
	p := a.params
	outer := tile.Outer
	n := a.model.Len()
	badMask := p.BadMask | maskedimage.NoData

	stacks := make([]*residualStack, n)
	for i := range stacks {
		stacks[i] = newResidualStack(outer)
	}

	for e, exp := range a.exposures {
		if a.weights[e] == 0 {
			continue
		}
		template, err := a.model.BuildMatchedTemplate(dcr.TemplateParams{
			Visit:     exp.Visit,
			BBox:      outer,
			Wcs:       exp.Wcs,
			Split:     p.SplitSubfilters,
			Warper:    p.Warper,
			Refractor: p.Refractor,
		})
		if err != nil {
			return nil, fmt.Errorf("template for exposure %d: %w", e, err)
		}
		view, err := exp.MaskedImage.Sub(outer)
		if err != nil {
			return nil, err
		}
		residual := view.Clone()
		if err := residual.Subtract(template); err != nil {
			return nil, err
		}

		shifts, err := dcr.CalculateDcr(exp.Visit, exp.Wcs, p.Filter, n, p.SplitSubfilters, p.Refractor)
		if err != nil {
			return nil, fmt.Errorf("exposure %d: %w", e, err)
		}
		for i, shift := range shifts {
			shifted, err := dcr.ApplyDcr(residual, shift, p.Warper, true)
			if err != nil {
				return nil, fmt.Errorf("exposure %d subfilter %d: %w", e, i, err)
			}
			stacks[i].add(shifted, a.weights[e], badMask)
		}
	}

	newModels := make([]*maskedimage.MaskedImage, n)
	for i := range newModels {
		current, err := a.model.At(i)
		if err != nil {
			return nil, err
		}
		view, err := current.Sub(outer)
		if err != nil {
			return nil, err
		}
		newModels[i] = newModelFromResidual(view, stacks[i].mean())
	}

	if p.RegularizeModelIterations > 0 {
		for i, nm := range newModels {
			if err := a.model.RegularizeIter(i, nm, outer, p.RegularizeModelIterations, p.RegularizationWidth); err != nil {
				return nil, err
			}
		}
	}
	if p.RegularizeModelFrequency > 0 {
		stats := dcr.StatsControl{AndMask: badMask, ConvergenceMask: p.ConvergenceMask}
		if err := a.model.RegularizeFreq(newModels, outer, stats, p.RegularizeModelFrequency, p.RegularizationWidth, nil); err != nil {
			return nil, err
		}
	}
	if err := a.model.Condition(newModels, outer, gain); err != nil {
		return nil, err
	}
	return dcr.New(newModels, a.model.Filter(), a.model.PSF())
}

// newModelFromResidual adds the stacked residual to a copy of the current
// subfilter. Pixels without a finite residual keep the current value.
// Variance and mask are those of the current model.
func newModelFromResidual(current *maskedimage.MaskedImage, residual *mat.Dense) *maskedimage.MaskedImage {
	out := current.Clone()
	img := out.Image()
	img.Apply(func(r, c int, v float64) float64 {
		res := residual.At(r, c)
		if next := v + res; isFinite(next) {
			return next
		}
		return v
	}, img)
	return out
}
