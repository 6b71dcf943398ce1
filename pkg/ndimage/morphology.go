package ndimage

import (
	"image"
)

// Binary is a boolean raster stored row-major.
type Binary struct {
	Rows, Cols int
	Data       []bool
}

// NewBinary returns an all-false raster.
func NewBinary(rows, cols int) *Binary {
	return &Binary{Rows: rows, Cols: cols, Data: make([]bool, rows*cols)}
}

// At reports whether pixel (r, c) is set.
func (b *Binary) At(r, c int) bool { return b.Data[r*b.Cols+c] }

// Set sets pixel (r, c) to v.
func (b *Binary) Set(r, c int, v bool) { b.Data[r*b.Cols+c] = v }

// Count returns the number of true pixels.
func (b *Binary) Count() int {
	n := 0
	for _, v := range b.Data {
		if v {
			n++
		}
	}
	return n
}

// Structure is a structuring element given as offsets from its centre. X is
// the column offset and Y the row offset.
type Structure []image.Point

// Diamond returns the 4-connected cross dilated with itself radius-1 times,
// i.e. every offset with |dx|+|dy| <= radius. A radius below 1 gives the
// single centre pixel.
func Diamond(radius int) Structure {
	if radius < 1 {
		return Structure{{}}
	}
	var s Structure
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if abs(dx)+abs(dy) <= radius {
				s = append(s, image.Pt(dx, dy))
			}
		}
	}
	return s
}

// Erode keeps a pixel when every structure offset lands on a true pixel.
// Pixels outside the raster count as false.
func Erode(in *Binary, s Structure) *Binary {
	out := NewBinary(in.Rows, in.Cols)
	for r := 0; r < in.Rows; r++ {
		for c := 0; c < in.Cols; c++ {
			keep := true
			for _, p := range s {
				rr, cc := r+p.Y, c+p.X
				if rr < 0 || rr >= in.Rows || cc < 0 || cc >= in.Cols || !in.At(rr, cc) {
					keep = false
					break
				}
			}
			out.Set(r, c, keep)
		}
	}
	return out
}

// Dilate sets a pixel when any reflected structure offset lands on a true pixel.
func Dilate(in *Binary, s Structure) *Binary {
	out := NewBinary(in.Rows, in.Cols)
	for r := 0; r < in.Rows; r++ {
		for c := 0; c < in.Cols; c++ {
			for _, p := range s {
				rr, cc := r-p.Y, c-p.X
				if rr >= 0 && rr < in.Rows && cc >= 0 && cc < in.Cols && in.At(rr, cc) {
					out.Set(r, c, true)
					break
				}
			}
		}
	}
	return out
}

// Open is an erosion followed by a dilation. It removes true regions that the
// structure does not fit inside.
func Open(in *Binary, s Structure) *Binary {
	return Dilate(Erode(in, s), s)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
