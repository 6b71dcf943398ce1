// Package ndimage provides the small set of 2D array filters the DCR
// regularization needs: a Gaussian filter with mirror-reflect borders and binary
// morphology with a diamond structuring element.
package ndimage

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// Truncate is the kernel half-width in units of sigma.
	Truncate = 4.0

	// Kernels with at least this many taps are applied through the FFT.
	fftMinTaps = 31
)

// GaussianKernel1D returns the normalized Gaussian weights for sigma, with
// radius int(Truncate*sigma + 0.5).
func GaussianKernel1D(sigma float64) []float64 {
	radius := int(Truncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-0.5 * x * x / (sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// GaussianFilter smooths src with a circular Gaussian of the given sigma in
// pixels. Borders are extended by half-sample symmetric reflection
// (d c b a | a b c d | d c b a). A non-positive sigma returns a copy.
func GaussianFilter(src mat.Matrix, sigma float64) *mat.Dense {
	dst := mat.DenseCopyOf(src)
	if sigma <= 0 {
		return dst
	}
	kernel := GaussianKernel1D(sigma)
	rows, cols := dst.Dims()

	line := make([]float64, max(rows, cols))
	out := make([]float64, max(rows, cols))

	for r := 0; r < rows; r++ {
		row := dst.RawRowView(r)
		copy(line, row)
		convolveLine(line[:cols], kernel, out[:cols])
		copy(row, out[:cols])
	}
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			line[r] = dst.At(r, c)
		}
		convolveLine(line[:rows], kernel, out[:rows])
		for r := 0; r < rows; r++ {
			dst.Set(r, c, out[r])
		}
	}
	return dst
}

// convolveLine correlates line with a symmetric odd-length kernel.
func convolveLine(line, kernel, out []float64) {
	if len(kernel) >= fftMinTaps {
		convolveLineFFT(line, kernel, out)
		return
	}
	convolveLineDirect(line, kernel, out)
}

func convolveLineDirect(line, kernel, out []float64) {
	n := len(line)
	half := len(kernel) / 2
	for i := 0; i < n; i++ {
		var sum float64
		if i >= half && i+half < n {
			sum = floats.Dot(line[i-half:i+half+1], kernel)
		} else {
			for k, w := range kernel {
				sum += w * line[reflectIndex(i+k-half, n)]
			}
		}
		out[i] = sum
	}
}

// reflectIndex maps i into [0, n) by half-sample symmetric reflection.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}
