// Package maskedimage provides the image plane abstraction used throughout the
// module: a pixel grid with co-registered value, variance and mask planes,
// addressed in parent coordinates.
//
// Value and variance planes are gonum dense matrices, rows indexed by y and
// columns by x. Sub-images returned by Sub are views: writes through a view
// mutate the parent.
package maskedimage

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Errors returned for regions and planes that do not fit.
var (
	ErrOutOfBounds       = errors.New("region outside of image")
	ErrDimensionMismatch = errors.New("image dimensions do not match")
)

// MaskedImage is a value/variance/mask triple over a bounding box.
type MaskedImage struct {
	bbox     image.Rectangle
	img      *mat.Dense
	variance *mat.Dense
	mask     *Mask
}

// New allocates a zeroed masked image covering bbox. bbox must not be empty.
func New(bbox image.Rectangle) *MaskedImage {
	if bbox.Empty() {
		panic(fmt.Sprintf("maskedimage: empty bounding box %v", bbox))
	}
	return &MaskedImage{
		bbox:     bbox,
		img:      mat.NewDense(bbox.Dy(), bbox.Dx(), nil),
		variance: mat.NewDense(bbox.Dy(), bbox.Dx(), nil),
		mask:     NewMask(bbox),
	}
}

// FromPlanes wraps existing planes. mask may be nil, in which case a clear mask
// is allocated. The planes are not copied.
func FromPlanes(bbox image.Rectangle, img, variance *mat.Dense, mask *Mask) (*MaskedImage, error) {
	if bbox.Empty() {
		return nil, fmt.Errorf("%w: empty bounding box", ErrDimensionMismatch)
	}
	for _, p := range []*mat.Dense{img, variance} {
		r, c := p.Dims()
		if r != bbox.Dy() || c != bbox.Dx() {
			return nil, fmt.Errorf("%w: plane %dx%d for bbox %v", ErrDimensionMismatch, c, r, bbox)
		}
	}
	if mask == nil {
		mask = NewMask(bbox)
	} else if mask.BBox().Size() != bbox.Size() {
		return nil, fmt.Errorf("%w: mask %v for bbox %v", ErrDimensionMismatch, mask.BBox(), bbox)
	}
	return &MaskedImage{bbox: bbox, img: img, variance: variance, mask: mask}, nil
}

// BBox returns the region of the image in parent pixel coordinates.
func (mi *MaskedImage) BBox() image.Rectangle { return mi.bbox }

// Image returns the value plane. The planes are shared, not copied.
func (mi *MaskedImage) Image() *mat.Dense { return mi.img }

// Variance returns the variance plane.
func (mi *MaskedImage) Variance() *mat.Dense { return mi.variance }

// Mask returns the mask plane.
func (mi *MaskedImage) Mask() *Mask { return mi.mask }

// ImageRow returns the value pixels of parent row y as a slice sharing storage.
func (mi *MaskedImage) ImageRow(y int) []float64 {
	return mi.img.RawRowView(y - mi.bbox.Min.Y)
}

// VarianceRow returns the variance pixels of parent row y.
func (mi *MaskedImage) VarianceRow(y int) []float64 {
	return mi.variance.RawRowView(y - mi.bbox.Min.Y)
}

// At returns the value of the pixel at parent coordinates (x, y).
func (mi *MaskedImage) At(x, y int) float64 {
	return mi.img.At(y-mi.bbox.Min.Y, x-mi.bbox.Min.X)
}

// Set writes one pixel of all three planes.
func (mi *MaskedImage) Set(x, y int, value, variance float64, mask MaskPixel) {
	r, c := y-mi.bbox.Min.Y, x-mi.bbox.Min.X
	mi.img.Set(r, c, value)
	mi.variance.Set(r, c, variance)
	mi.mask.Set(x, y, mask)
}

// Sub returns a view restricted to bbox, which must lie within the image.
func (mi *MaskedImage) Sub(bbox image.Rectangle) (*MaskedImage, error) {
	if bbox.Empty() || !bbox.In(mi.bbox) {
		return nil, fmt.Errorf("%w: %v not within %v", ErrOutOfBounds, bbox, mi.bbox)
	}
	r0, r1 := bbox.Min.Y-mi.bbox.Min.Y, bbox.Max.Y-mi.bbox.Min.Y
	c0, c1 := bbox.Min.X-mi.bbox.Min.X, bbox.Max.X-mi.bbox.Min.X
	mask, err := mi.mask.Sub(bbox)
	if err != nil {
		return nil, err
	}
	return &MaskedImage{
		bbox:     bbox,
		img:      mi.img.Slice(r0, r1, c0, c1).(*mat.Dense),
		variance: mi.variance.Slice(r0, r1, c0, c1).(*mat.Dense),
		mask:     mask,
	}, nil
}

// Clone returns a deep copy that shares nothing with mi.
func (mi *MaskedImage) Clone() *MaskedImage {
	return &MaskedImage{
		bbox:     mi.bbox,
		img:      mat.DenseCopyOf(mi.img),
		variance: mat.DenseCopyOf(mi.variance),
		mask:     mi.mask.Clone(),
	}
}

func (mi *MaskedImage) checkSize(o *MaskedImage) error {
	if o.bbox.Size() != mi.bbox.Size() {
		return fmt.Errorf("%w: %v vs %v", ErrDimensionMismatch, o.bbox, mi.bbox)
	}
	return nil
}

// Assign copies every plane of src into mi. Dimensions must match.
func (mi *MaskedImage) Assign(src *MaskedImage) error {
	if err := mi.checkSize(src); err != nil {
		return err
	}
	mi.img.Copy(src.img)
	mi.variance.Copy(src.variance)
	return mi.mask.Assign(src.mask)
}

// SetMask replaces the mask plane contents with a copy of mask.
func (mi *MaskedImage) SetMask(mask *Mask) error {
	return mi.mask.Assign(mask)
}

// Add adds o: values and variances sum, masks are ORed.
func (mi *MaskedImage) Add(o *MaskedImage) error {
	if err := mi.checkSize(o); err != nil {
		return err
	}
	for dy := 0; dy < mi.bbox.Dy(); dy++ {
		floats.Add(mi.img.RawRowView(dy), o.img.RawRowView(dy))
		floats.Add(mi.variance.RawRowView(dy), o.variance.RawRowView(dy))
	}
	return mi.mask.Or(o.mask)
}

// Subtract subtracts o: values subtract, variances sum, masks are ORed.
func (mi *MaskedImage) Subtract(o *MaskedImage) error {
	if err := mi.checkSize(o); err != nil {
		return err
	}
	for dy := 0; dy < mi.bbox.Dy(); dy++ {
		floats.Sub(mi.img.RawRowView(dy), o.img.RawRowView(dy))
		floats.Add(mi.variance.RawRowView(dy), o.variance.RawRowView(dy))
	}
	return mi.mask.Or(o.mask)
}

// Scale multiplies values by f and variances by f*f.
func (mi *MaskedImage) Scale(f float64) {
	for dy := 0; dy < mi.bbox.Dy(); dy++ {
		floats.Scale(f, mi.img.RawRowView(dy))
		floats.Scale(f*f, mi.variance.RawRowView(dy))
	}
}

// ReplaceNonFinite zeroes pixels whose value or variance is NaN or infinite,
// flags them with bits and returns how many were replaced.
func (mi *MaskedImage) ReplaceNonFinite(bits MaskPixel) int {
	n := 0
	for y := mi.bbox.Min.Y; y < mi.bbox.Max.Y; y++ {
		img, variance, mask := mi.ImageRow(y), mi.VarianceRow(y), mi.mask.Row(y)
		for x := range img {
			if isFinite(img[x]) && isFinite(variance[x]) {
				continue
			}
			img[x] = 0
			variance[x] = 0
			mask[x] = bits
			n++
		}
	}
	return n
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
