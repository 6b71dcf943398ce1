package exposure

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dcrcoadd/pkg/geom"
)

// PSF is a point-spread function that can render itself as a normalized kernel.
type PSF interface {
	KernelImage() *mat.Dense
	// FWHM in pixels.
	FWHM() float64
}

// GaussianPSF is a circular Gaussian PSF.
type GaussianPSF struct {
	Sigma float64
	// Size is the side length of the rendered kernel; it is forced odd.
	Size int
}

var sigmaToFWHM = 2 * math.Sqrt(2*math.Log(2))

// FWHM returns the full width at half maximum in pixels.
func (p GaussianPSF) FWHM() float64 { return p.Sigma * sigmaToFWHM }

// KernelImage renders the PSF on a Size x Size grid normalized to unit sum.
func (p GaussianPSF) KernelImage() *mat.Dense {
	size := p.Size
	if size < 1 {
		size = 2*int(math.Ceil(4*p.Sigma)) + 1
	}
	if size%2 == 0 {
		size++
	}
	half := size / 2
	data := make([]float64, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x-half), float64(y-half)
			data[y*size+x] = math.Exp(-(dx*dx + dy*dy) / (2 * p.Sigma * p.Sigma))
		}
	}
	floats.Scale(1/floats.Sum(data), data)
	return mat.NewDense(size, size, data)
}

func sinAngle(a geom.Angle) float64 { return math.Sin(a.Radians()) }
