// Package dcr models a coadd as a set of subfilter images, one per narrow
// wavelength slice of a broad band, so that differential chromatic refraction
// can be forward-modelled for any exposure.
//
// A Model is refined by an external solver (see package coadd): for every
// exposure a matched template is built by shifting each subfilter by its DCR
// offset and summing, and new subfilter solutions are damped and regularized
// with Condition, RegularizeIter and RegularizeFreq before being merged back
// with Assign.
package dcr

import (
	"errors"
	"fmt"
	"image"

	"gonum.org/v1/gonum/mat"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/maskedimage"
)

// Errors returned by model operations. Every check happens before the model
// is modified.
var (
	ErrIndexRange       = errors.New("subfilter index out of range")
	ErrBBoxMismatch     = errors.New("bounding box does not match the model")
	ErrSubfilterCount   = errors.New("number of subfilters does not match")
	ErrNoFilter         = errors.New("filter must be set to calculate DCR")
	ErrMissingMetadata  = errors.New("either an exposure or visit, bbox and wcs must be set")
	ErrMissingSubfilter = errors.New("subfilter image missing")
)

// Model is an ordered, fixed-length set of subfilter images sharing one
// bounding box, plus the band and PSF they were built for.
type Model struct {
	images []*maskedimage.MaskedImage
	filter *exposure.FilterProperty
	psf    exposure.PSF
}

// New wraps existing subfilter images. The images are owned by the model from
// then on. filter and psf may be nil.
func New(images []*maskedimage.MaskedImage, filter *exposure.FilterProperty, psf exposure.PSF) (*Model, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: a model needs at least one subfilter", ErrSubfilterCount)
	}
	bbox := images[0].BBox()
	for i, img := range images {
		if img == nil {
			return nil, fmt.Errorf("%w: subfilter %d", ErrMissingSubfilter, i)
		}
		if img.BBox() != bbox {
			return nil, fmt.Errorf("%w: subfilter %d has %v, expected %v", ErrBBoxMismatch, i, img.BBox(), bbox)
		}
	}
	return &Model{images: images, filter: filter, psf: psf}, nil
}

// FromImage divides a coadd between numSubfilters subfilters.
//
// Non-finite pixels are set to zero and flagged NO_DATA. Value and variance are
// divided by numSubfilters (not its square): the subfilters are independent, so
// summing them in a matched template restores the full signal to noise. Each
// subfilter gets its own copy. The input image is not modified.
func FromImage(coadd *maskedimage.MaskedImage, numSubfilters int, filter *exposure.FilterProperty, psf exposure.PSF) (*Model, error) {
	if numSubfilters < 1 {
		return nil, fmt.Errorf("%w: %d subfilters requested", ErrSubfilterCount, numSubfilters)
	}
	base := coadd.Clone()
	base.ReplaceNonFinite(maskedimage.NoData)

	scale := 1 / float64(numSubfilters)
	base.Image().Scale(scale, base.Image())
	base.Variance().Scale(scale, base.Variance())

	images := make([]*maskedimage.MaskedImage, numSubfilters)
	images[0] = base
	for i := 1; i < numSubfilters; i++ {
		images[i] = base.Clone()
	}
	return New(images, filter, psf)
}

// Loader fetches one stored subfilter image.
type Loader interface {
	LoadSubfilter(subfilter int) (*exposure.Exposure, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(subfilter int) (*exposure.Exposure, error)

// LoadSubfilter calls f(subfilter).
func (f LoaderFunc) LoadSubfilter(subfilter int) (*exposure.Exposure, error) { return f(subfilter) }

// FromStorage loads numSubfilters stored subfilter images. The band and PSF
// are taken from the first exposure that carries them.
func FromStorage(numSubfilters int, loader Loader) (*Model, error) {
	if numSubfilters < 1 {
		return nil, fmt.Errorf("%w: %d subfilters requested", ErrSubfilterCount, numSubfilters)
	}
	var (
		filter *exposure.FilterProperty
		psf    exposure.PSF
	)
	images := make([]*maskedimage.MaskedImage, numSubfilters)
	for i := range images {
		exp, err := loader.LoadSubfilter(i)
		if err != nil {
			return nil, fmt.Errorf("loading subfilter %d: %w", i, err)
		}
		if exp == nil || exp.MaskedImage == nil {
			return nil, fmt.Errorf("%w: subfilter %d", ErrMissingSubfilter, i)
		}
		if filter == nil {
			filter = exp.Filter
		}
		if psf == nil {
			psf = exp.PSF
		}
		images[i] = exp.MaskedImage
	}
	return New(images, filter, psf)
}

// Len returns the number of subfilters.
func (m *Model) Len() int { return len(m.images) }

func (m *Model) index(subfilter int) (int, error) {
	n := len(m.images)
	if subfilter >= n || subfilter <= -n {
		return 0, fmt.Errorf("%w: %d for %d subfilters", ErrIndexRange, subfilter, n)
	}
	if subfilter < 0 {
		subfilter += n
	}
	return subfilter, nil
}

// At returns the image of one subfilter. Negative indices count from the end.
// The returned image is the model's own: writes to it change the model.
func (m *Model) At(subfilter int) (*maskedimage.MaskedImage, error) {
	i, err := m.index(subfilter)
	if err != nil {
		return nil, err
	}
	return m.images[i], nil
}

// Set replaces the image of one subfilter with a copy of img, which must have
// the model's bounding box.
func (m *Model) Set(subfilter int, img *maskedimage.MaskedImage) error {
	i, err := m.index(subfilter)
	if err != nil {
		return err
	}
	if img == nil {
		return fmt.Errorf("%w: subfilter %d", ErrMissingSubfilter, subfilter)
	}
	if img.BBox() != m.BBox() {
		return fmt.Errorf("%w: %v, expected %v", ErrBBoxMismatch, img.BBox(), m.BBox())
	}
	m.images[i] = img.Clone()
	return nil
}

// BBox is the bounding box shared by every subfilter.
func (m *Model) BBox() image.Rectangle { return m.images[0].BBox() }

// Filter returns the band the subfilters partition, nil if unknown.
func (m *Model) Filter() *exposure.FilterProperty { return m.filter }

// PSF returns the point-spread function of the model, nil if unknown.
func (m *Model) PSF() exposure.PSF { return m.psf }

// Mask returns the mask of the first subfilter, which stands for all of them.
func (m *Model) Mask() *maskedimage.Mask { return m.images[0].Mask() }

// region resolves an optional bbox against the model.
func (m *Model) region(bbox image.Rectangle) (image.Rectangle, error) {
	if bbox.Empty() {
		return m.BBox(), nil
	}
	if !bbox.In(m.BBox()) {
		return bbox, fmt.Errorf("%w: %v not within %v", ErrBBoxMismatch, bbox, m.BBox())
	}
	return bbox, nil
}

// sub returns views of every subfilter restricted to bbox.
func (m *Model) sub(bbox image.Rectangle) ([]*maskedimage.MaskedImage, error) {
	views := make([]*maskedimage.MaskedImage, len(m.images))
	for i, img := range m.images {
		v, err := img.Sub(bbox)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBBoxMismatch, err)
		}
		views[i] = v
	}
	return views, nil
}

// ReferenceImage returns the mean of the subfilter values over bbox, or over
// the whole model when bbox is empty. Rows of the result follow y.
func (m *Model) ReferenceImage(bbox image.Rectangle) (*mat.Dense, error) {
	bbox, err := m.region(bbox)
	if err != nil {
		return nil, err
	}
	views, err := m.sub(bbox)
	if err != nil {
		return nil, err
	}
	ref := mat.NewDense(bbox.Dy(), bbox.Dx(), nil)
	for _, v := range views {
		ref.Add(ref, v.Image())
	}
	ref.Scale(1/float64(len(views)), ref)
	return ref, nil
}

// Assign overwrites bbox of every subfilter with the same region of sub.
// An empty bbox means the whole model.
func (m *Model) Assign(sub *Model, bbox image.Rectangle) error {
	if sub.Len() != m.Len() {
		return fmt.Errorf("%w: %d subfilters assigned to a model with %d", ErrSubfilterCount, sub.Len(), m.Len())
	}
	bbox, err := m.region(bbox)
	if err != nil {
		return err
	}
	dst, err := m.sub(bbox)
	if err != nil {
		return err
	}
	src, err := sub.sub(bbox)
	if err != nil {
		return err
	}
	for i := range dst {
		if err := dst[i].Assign(src[i]); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	images := make([]*maskedimage.MaskedImage, len(m.images))
	for i, img := range m.images {
		images[i] = img.Clone()
	}
	return &Model{images: images, filter: m.filter, psf: m.psf}
}

func checkNewModels(newModels []*maskedimage.MaskedImage, n int, bbox image.Rectangle) error {
	if len(newModels) != n {
		return fmt.Errorf("%w: %d new images for %d subfilters", ErrSubfilterCount, len(newModels), n)
	}
	for i, img := range newModels {
		if img.BBox() != bbox {
			return fmt.Errorf("%w: new image %d has %v, expected %v", ErrBBoxMismatch, i, img.BBox(), bbox)
		}
	}
	return nil
}
