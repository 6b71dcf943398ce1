// Package imageio moves masked images between disk and memory: ordinary
// PNG, JPEG and TIFF files for input and display, and a lossless binary
// layout for DCR models.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	_ "golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dcrcoadd/pkg/maskedimage"
)

// saturation is the largest value a 16-bit pixel can hold.
const saturation = 65535

// Decode reads an image file into a single float plane. Color images are
// reduced to 16-bit luminance; the result is in counts, 0 to 65535.
func Decode(path string) (*mat.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	bounds := img.Bounds()
	out := mat.NewDense(bounds.Dy(), bounds.Dx(), nil)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := out.RawRowView(y - bounds.Min.Y)
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			row[x-bounds.Min.X] = float64(g.Y)
		}
	}
	return out, nil
}

// Load reads an exposure image. When variancePath is empty the variance is
// taken to be the Poisson estimate max(value, 1). Pixels at the 16-bit ceiling
// are flagged SAT.
func Load(path, variancePath string) (*maskedimage.MaskedImage, error) {
	values, err := Decode(path)
	if err != nil {
		return nil, err
	}
	rows, cols := values.Dims()

	var variance *mat.Dense
	if variancePath != "" {
		variance, err = Decode(variancePath)
		if err != nil {
			return nil, fmt.Errorf("variance plane: %w", err)
		}
		if r, c := variance.Dims(); r != rows || c != cols {
			return nil, fmt.Errorf("variance plane is %dx%d, image is %dx%d", c, r, cols, rows)
		}
	} else {
		variance = mat.NewDense(rows, cols, nil)
		variance.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 1) }, values)
	}

	bbox := image.Rect(0, 0, cols, rows)
	mask := maskedimage.NewMask(bbox)
	for y := 0; y < rows; y++ {
		bits := mask.Row(y)
		for x, v := range values.RawRowView(y) {
			if v >= saturation {
				bits[x] |= maskedimage.Sat
			}
		}
	}
	return maskedimage.FromPlanes(bbox, values, variance, mask)
}

// ToGray16 stretches a plane linearly between its finite minimum and maximum
// onto 16 bits. Non-finite pixels are black.
func ToGray16(plane mat.Matrix) *image.Gray16 {
	rows, cols := plane.Dims()
	data := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if v := plane.At(r, c); isFinite(v) {
				data = append(data, v)
			}
		}
	}

	lo, hi := 0.0, 1.0
	if len(data) > 0 {
		lo, hi = floats.Min(data), floats.Max(data)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := plane.At(r, c)
			if !isFinite(v) {
				continue
			}
			scaled := (v - lo) / span * saturation
			img.SetGray16(c, r, color.Gray16{Y: uint16(math.Max(0, math.Min(saturation, scaled)))})
		}
	}
	return img
}

// SavePNG writes a plane as a stretched 16-bit grayscale PNG, creating the
// parent directory if needed.
func SavePNG(plane mat.Matrix, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, ToGray16(plane)); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
