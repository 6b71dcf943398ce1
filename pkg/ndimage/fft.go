package ndimage

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// convolveLineFFT performs the same reflect-padded correlation as
// convolveLineDirect, in the frequency domain.
//
// The line is padded by the kernel radius on both sides, zero-extended to the
// linear convolution length and multiplied with the kernel spectrum. Gonum's
// inverse transform is unnormalized, so the result is scaled by 1/n.
func convolveLineFFT(line, kernel, out []float64) {
	n := len(line)
	half := len(kernel) / 2
	padded := n + 2*half
	size := padded + len(kernel) - 1

	fft := fourier.NewFFT(size)

	signal := make([]float64, size)
	for j := 0; j < padded; j++ {
		signal[j] = line[reflectIndex(j-half, n)]
	}
	taps := make([]float64, size)
	copy(taps, kernel)

	signalCoeffs := fft.Coefficients(nil, signal)
	kernelCoeffs := fft.Coefficients(nil, taps)
	for i := range signalCoeffs {
		signalCoeffs[i] *= kernelCoeffs[i]
	}
	conv := fft.Sequence(nil, signalCoeffs)

	// The centre of the padded sample j+half lands at j+2*half in the full
	// convolution.
	scale := 1 / float64(size)
	for j := 0; j < n; j++ {
		out[j] = conv[j+2*half] * scale
	}
}
