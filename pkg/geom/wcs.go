package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Wcs is the part of a sky coordinate system the DCR calculation needs:
// the local pixel scale, the CD matrix (degrees per pixel) and its parity.
type Wcs interface {
	PixelScale() Angle
	CDMatrix() mat.Matrix
	IsFlipped() bool
}

// LinearWcs is a tangent-plane WCS reduced to its CD matrix.
type LinearWcs struct {
	cd *mat.Dense
}

// NewLinearWcs builds a WCS from an explicit 2x2 CD matrix in degrees per pixel.
func NewLinearWcs(cd mat.Matrix) (*LinearWcs, error) {
	r, c := cd.Dims()
	if r != 2 || c != 2 {
		return nil, fmt.Errorf("CD matrix must be 2x2, got %dx%d", r, c)
	}
	if mat.Det(cd) == 0 {
		return nil, fmt.Errorf("CD matrix is singular")
	}
	return &LinearWcs{cd: mat.DenseCopyOf(cd)}, nil
}

// NewRotatedWcs builds a WCS with the given pixel scale and sky rotation.
// The unflipped form has North along +y and East along -x at zero rotation,
// which gives a negative CD determinant.
func NewRotatedWcs(scale, rotation Angle, flipped bool) *LinearWcs {
	s := scale.Degrees()
	sin, cos := math.Sincos(rotation.Radians())
	var cd *mat.Dense
	if flipped {
		cd = mat.NewDense(2, 2, []float64{
			s * cos, -s * sin,
			s * sin, s * cos,
		})
	} else {
		cd = mat.NewDense(2, 2, []float64{
			-s * cos, s * sin,
			s * sin, s * cos,
		})
	}
	return &LinearWcs{cd: cd}
}

// PixelScale returns the geometric mean pixel size.
func (w *LinearWcs) PixelScale() Angle {
	return Degrees(math.Sqrt(math.Abs(mat.Det(w.cd))))
}

// CDMatrix returns a copy of the CD matrix.
func (w *LinearWcs) CDMatrix() mat.Matrix {
	return mat.DenseCopyOf(w.cd)
}

// IsFlipped reports whether the CD matrix has positive determinant.
func (w *LinearWcs) IsFlipped() bool {
	return mat.Det(w.cd) > 0
}
