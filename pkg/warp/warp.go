// Package warp resamples masked images by sub-pixel translations.
//
// Interpolation kernels are golang.org/x/image/draw kernels, so the stock
// BiLinear and CatmullRom kernels can be used next to the Lanczos family
// defined here. Value, variance and mask planes each get their own treatment:
// values are interpolated with the image kernel, variances with the squared
// weights, and mask bits are ORed over the support of the mask kernel.
package warp

import (
	"fmt"
	"image"
	"math"
	"strings"

	"golang.org/x/image/draw"

	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/maskedimage"
)

// Lanczos returns the Lanczos kernel of order n (n lobes on each side).
func Lanczos(n int) *draw.Kernel {
	a := float64(n)
	return &draw.Kernel{
		Support: a,
		At: func(t float64) float64 {
			t = math.Abs(t)
			if t == 0 {
				return 1
			}
			if t >= a {
				return 0
			}
			if t == math.Trunc(t) {
				return 0
			}
			pt := math.Pi * t
			return a * math.Sin(pt) * math.Sin(pt/a) / (pt * pt)
		},
	}
}

// Nearest selects the single closest source pixel.
var Nearest = &draw.Kernel{Support: 0.5, At: func(float64) float64 { return 1 }}

// KernelByName maps a configuration name to a kernel.
func KernelByName(name string) (*draw.Kernel, error) {
	switch strings.ToLower(name) {
	case "lanczos2":
		return Lanczos(2), nil
	case "lanczos3":
		return Lanczos(3), nil
	case "lanczos4":
		return Lanczos(4), nil
	case "lanczos5":
		return Lanczos(5), nil
	case "bilinear":
		return draw.BiLinear, nil
	case "catmullrom":
		return draw.CatmullRom, nil
	case "nearest":
		return Nearest, nil
	default:
		return nil, fmt.Errorf("unknown warping kernel %q", name)
	}
}

// Control selects the kernels used for the value and mask planes.
type Control struct {
	ImageKernel *draw.Kernel
	MaskKernel  *draw.Kernel
}

// DefaultControl uses third-order Lanczos for values and bilinear for masks.
func DefaultControl() Control {
	return Control{ImageKernel: Lanczos(3), MaskKernel: draw.BiLinear}
}

// NewControl builds a Control from kernel names.
func NewControl(imageKernel, maskKernel string) (Control, error) {
	img, err := KernelByName(imageKernel)
	if err != nil {
		return Control{}, err
	}
	mask, err := KernelByName(maskKernel)
	if err != nil {
		return Control{}, err
	}
	return Control{ImageKernel: img, MaskKernel: mask}, nil
}

// Warper resamples images with a fixed Control.
type Warper struct {
	control Control
	// PadMask is set on destination pixels whose image kernel reaches outside
	// the source. Their value and variance are zero.
	PadMask maskedimage.MaskPixel
}

// NewWarper returns a Warper padding with NO_DATA. Nil kernels in control
// fall back to those of DefaultControl.
func NewWarper(control Control) *Warper {
	if control.ImageKernel == nil {
		control.ImageKernel = Lanczos(3)
	}
	if control.MaskKernel == nil {
		control.MaskKernel = draw.BiLinear
	}
	return &Warper{control: control, PadMask: maskedimage.NoData}
}

// taps holds the normalized kernel weights for one output coordinate, for
// source indices lo, lo+1, ... Zero weights are kept so the index is implicit.
type taps struct {
	lo      int
	weights []float64
}

// first and last return the outermost source indices with non-zero weight.
func (t taps) first() int {
	for i, w := range t.weights {
		if w != 0 {
			return t.lo + i
		}
	}
	return t.lo
}

func (t taps) last() int {
	for i := len(t.weights) - 1; i >= 0; i-- {
		if t.weights[i] != 0 {
			return t.lo + i
		}
	}
	return t.lo
}

func axisTaps(pos float64, k *draw.Kernel) taps {
	lo := int(math.Floor(pos-k.Support)) + 1
	hi := int(math.Ceil(pos+k.Support)) - 1
	if hi < lo {
		hi = lo
	}
	weights := make([]float64, hi-lo+1)
	var sum float64
	for i := range weights {
		// draw.Kernel.At takes t in [0, Support).
		weights[i] = k.At(math.Abs(float64(lo+i) - pos))
		sum += weights[i]
	}
	if sum != 0 {
		for i := range weights {
			weights[i] /= sum
		}
	}
	return taps{lo: lo, weights: weights}
}

// Warp returns an image covering bbox whose pixel (x, y) is src sampled at
// (x - shift.X, y - shift.Y), i.e. src moved by +shift.
func (w *Warper) Warp(src *maskedimage.MaskedImage, bbox image.Rectangle, shift geom.Extent2D) (*maskedimage.MaskedImage, error) {
	if bbox.Empty() {
		return nil, fmt.Errorf("warp: empty destination %v", bbox)
	}
	if math.IsNaN(shift.X) || math.IsNaN(shift.Y) {
		return nil, fmt.Errorf("warp: invalid shift %s", shift)
	}
	dst := maskedimage.New(bbox)
	sb := src.BBox()

	imgX := make([]taps, bbox.Dx())
	maskX := make([]taps, bbox.Dx())
	for i := range imgX {
		pos := float64(bbox.Min.X+i) - shift.X
		imgX[i] = axisTaps(pos, w.control.ImageKernel)
		maskX[i] = axisTaps(pos, w.control.MaskKernel)
	}

	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		pos := float64(y) - shift.Y
		ty := axisTaps(pos, w.control.ImageKernel)
		my := axisTaps(pos, w.control.MaskKernel)
		rowInside := ty.first() >= sb.Min.Y && ty.last() < sb.Max.Y

		dImg, dVar, dMask := dst.ImageRow(y), dst.VarianceRow(y), dst.Mask().Row(y)
		for i := range dImg {
			tx := imgX[i]
			if !rowInside || tx.first() < sb.Min.X || tx.last() >= sb.Max.X {
				dMask[i] = w.PadMask
				continue
			}
			var value, variance float64
			for j, wy := range ty.weights {
				if wy == 0 {
					continue
				}
				sy := ty.lo + j
				sImg, sVar := src.ImageRow(sy), src.VarianceRow(sy)
				for k, wx := range tx.weights {
					if wx == 0 {
						continue
					}
					sx := tx.lo + k - sb.Min.X
					weight := wx * wy
					value += weight * sImg[sx]
					variance += weight * weight * sVar[sx]
				}
			}
			dImg[i] = value
			dVar[i] = variance
			dMask[i] = orMask(src.Mask(), maskX[i], my)
		}
	}
	return dst, nil
}

func orMask(m *maskedimage.Mask, tx, ty taps) maskedimage.MaskPixel {
	var bits maskedimage.MaskPixel
	mb := m.BBox()
	for j, wy := range ty.weights {
		sy := ty.lo + j
		if wy == 0 || sy < mb.Min.Y || sy >= mb.Max.Y {
			continue
		}
		row := m.Row(sy)
		for k, wx := range tx.weights {
			sx := tx.lo + k
			if wx == 0 || sx < mb.Min.X || sx >= mb.Max.X {
				continue
			}
			bits |= row[sx-mb.Min.X]
		}
	}
	return bits
}
