package dcr

import (
	"fmt"
	"image"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/maskedimage"
	"dcrcoadd/pkg/refraction"
	"dcrcoadd/pkg/warp"
)

// Warper resamples src into bbox, moved by shift. Pixels with no source data
// must be padded with zero and flagged NO_DATA.
type Warper interface {
	Warp(src *maskedimage.MaskedImage, bbox image.Rectangle, shift geom.Extent2D) (*maskedimage.MaskedImage, error)
}

// TemplateParams describes the exposure a template is matched to. Either
// Exposure, or all of Visit, BBox and Wcs, must be set; Exposure wins when both
// are given.
type TemplateParams struct {
	Exposure *exposure.Exposure
	Visit    *exposure.VisitInfo
	BBox     image.Rectangle
	Wcs      geom.Wcs

	// Mask replaces the mask of the template when set.
	Mask *maskedimage.Mask
	// Split evaluates DCR at two wavelengths per subfilter.
	Split bool

	// Warper defaults to Lanczos-3 for the image and bilinear for the mask.
	Warper Warper
	// Refractor defaults to refraction.Atmosphere.
	Refractor Refractor
}

func (p *TemplateParams) resolve() (*exposure.VisitInfo, image.Rectangle, geom.Wcs, error) {
	if p.Exposure != nil {
		e := p.Exposure
		if e.Visit == nil || e.Wcs == nil || e.MaskedImage == nil {
			return nil, image.Rectangle{}, nil, fmt.Errorf("%w: exposure lacks visit info or wcs", ErrMissingMetadata)
		}
		return e.Visit, e.BBox(), e.Wcs, nil
	}
	if p.Visit == nil || p.BBox.Empty() || p.Wcs == nil {
		return nil, image.Rectangle{}, nil, ErrMissingMetadata
	}
	return p.Visit, p.BBox, p.Wcs, nil
}

// BuildMatchedTemplate predicts the image an exposure should observe: each
// subfilter is shifted by its DCR offset for that exposure and the results are
// summed over the exposure's bounding box.
func (m *Model) BuildMatchedTemplate(p TemplateParams) (*maskedimage.MaskedImage, error) {
	if m.filter == nil {
		return nil, ErrNoFilter
	}
	visit, bbox, wcs, err := p.resolve()
	if err != nil {
		return nil, err
	}
	if _, err := m.region(bbox); err != nil {
		return nil, err
	}
	warper := p.Warper
	if warper == nil {
		warper = warp.NewWarper(warp.DefaultControl())
	}
	refractor := p.Refractor
	if refractor == nil {
		refractor = refraction.Atmosphere{}
	}

	shifts, err := CalculateDcr(visit, wcs, m.filter, m.Len(), p.Split, refractor)
	if err != nil {
		return nil, err
	}
	views, err := m.sub(bbox)
	if err != nil {
		return nil, err
	}
	template := maskedimage.New(bbox)
	for i, shift := range shifts {
		shifted, err := ApplyDcr(views[i], shift, warper, false)
		if err != nil {
			return nil, fmt.Errorf("shifting subfilter %d: %w", i, err)
		}
		if err := template.Add(shifted); err != nil {
			return nil, err
		}
	}
	if p.Mask != nil {
		mask, err := p.Mask.Sub(bbox)
		if err != nil {
			return nil, fmt.Errorf("template mask: %w", err)
		}
		if err := template.SetMask(mask); err != nil {
			return nil, err
		}
	}
	return template, nil
}

// BuildMatchedExposure wraps BuildMatchedTemplate in an exposure carrying the
// model's band and PSF and the target's WCS and visit.
func (m *Model) BuildMatchedExposure(p TemplateParams) (*exposure.Exposure, error) {
	template, err := m.BuildMatchedTemplate(p)
	if err != nil {
		return nil, err
	}
	visit, _, wcs, _ := p.resolve()
	return &exposure.Exposure{
		MaskedImage: template,
		Visit:       visit,
		Wcs:         wcs,
		Filter:      m.filter,
		PSF:         m.psf,
	}, nil
}

// ApplyDcr shifts img by shift, or by its negation when useInverse is set.
// A split shift warps once per offset and averages the results, so the
// variance is scaled by 1/4 for two offsets.
func ApplyDcr(img *maskedimage.MaskedImage, shift Shift, warper Warper, useInverse bool) (*maskedimage.MaskedImage, error) {
	if len(shift) == 0 {
		return nil, fmt.Errorf("empty DCR shift")
	}
	sign := 1.0
	if useInverse {
		sign = -1
	}
	var out *maskedimage.MaskedImage
	for _, s := range shift {
		shifted, err := warper.Warp(img, img.BBox(), s.Scale(sign))
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = shifted
			continue
		}
		if err := out.Add(shifted); err != nil {
			return nil, err
		}
	}
	if len(shift) > 1 {
		out.Scale(1 / float64(len(shift)))
	}
	return out, nil
}
