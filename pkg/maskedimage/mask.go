package maskedimage

import (
	"fmt"
	"image"
	"sort"
	"strings"
)

// MaskPixel holds the flag bits of one pixel.
type MaskPixel uint32

// Standard mask planes.
const (
	Bad MaskPixel = 1 << iota
	Sat
	Intrp
	CR
	Edge
	Detected
	DetectedNegative
	Suspect
	NoData
)

var planes = map[string]MaskPixel{
	"BAD":               Bad,
	"SAT":               Sat,
	"INTRP":             Intrp,
	"CR":                CR,
	"EDGE":              Edge,
	"DETECTED":          Detected,
	"DETECTED_NEGATIVE": DetectedNegative,
	"SUSPECT":           Suspect,
	"NO_DATA":           NoData,
}

// PlaneBitMask ORs together the bits of the named mask planes.
func PlaneBitMask(names ...string) (MaskPixel, error) {
	var bits MaskPixel
	for _, name := range names {
		bit, ok := planes[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown mask plane %q", name)
		}
		bits |= bit
	}
	return bits, nil
}

// PlaneNames lists the names of the planes set in bits, sorted.
func PlaneNames(bits MaskPixel) []string {
	var names []string
	for name, bit := range planes {
		if bits&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Mask is a bit plane addressed in parent pixel coordinates. Sub-masks share
// storage with the mask they were cut from.
type Mask struct {
	bbox   image.Rectangle
	data   []MaskPixel
	stride int
	off    int
}

// NewMask allocates a zeroed mask covering bbox.
func NewMask(bbox image.Rectangle) *Mask {
	return &Mask{
		bbox:   bbox,
		data:   make([]MaskPixel, bbox.Dx()*bbox.Dy()),
		stride: bbox.Dx(),
	}
}

// BBox returns the region of the mask in parent pixel coordinates.
func (m *Mask) BBox() image.Rectangle { return m.bbox }

// Row returns the pixels of parent row y. Writes go through to the mask.
func (m *Mask) Row(y int) []MaskPixel {
	start := m.off + (y-m.bbox.Min.Y)*m.stride
	return m.data[start : start+m.bbox.Dx()]
}

// Get returns the bits of parent pixel (x, y).
func (m *Mask) Get(x, y int) MaskPixel {
	return m.data[m.off+(y-m.bbox.Min.Y)*m.stride+x-m.bbox.Min.X]
}

// Set replaces the bits of parent pixel (x, y).
func (m *Mask) Set(x, y int, v MaskPixel) {
	m.data[m.off+(y-m.bbox.Min.Y)*m.stride+x-m.bbox.Min.X] = v
}

// Sub returns a view of the mask restricted to bbox.
func (m *Mask) Sub(bbox image.Rectangle) (*Mask, error) {
	if bbox.Empty() || !bbox.In(m.bbox) {
		return nil, fmt.Errorf("%w: %v not within %v", ErrOutOfBounds, bbox, m.bbox)
	}
	return &Mask{
		bbox:   bbox,
		data:   m.data,
		stride: m.stride,
		off:    m.off + (bbox.Min.Y-m.bbox.Min.Y)*m.stride + bbox.Min.X - m.bbox.Min.X,
	}, nil
}

// Clone returns a compact deep copy.
func (m *Mask) Clone() *Mask {
	c := NewMask(m.bbox)
	for y := m.bbox.Min.Y; y < m.bbox.Max.Y; y++ {
		copy(c.Row(y), m.Row(y))
	}
	return c
}

// Assign copies src into m pixel by pixel. The dimensions must agree; the
// origins may differ.
func (m *Mask) Assign(src *Mask) error {
	if src.bbox.Size() != m.bbox.Size() {
		return fmt.Errorf("%w: mask %v vs %v", ErrDimensionMismatch, src.bbox.Size(), m.bbox.Size())
	}
	for dy := 0; dy < m.bbox.Dy(); dy++ {
		copy(m.Row(m.bbox.Min.Y+dy), src.Row(src.bbox.Min.Y+dy))
	}
	return nil
}

// Or sets the bits of src in m.
func (m *Mask) Or(src *Mask) error {
	if src.bbox.Size() != m.bbox.Size() {
		return fmt.Errorf("%w: mask %v vs %v", ErrDimensionMismatch, src.bbox.Size(), m.bbox.Size())
	}
	for dy := 0; dy < m.bbox.Dy(); dy++ {
		dst := m.Row(m.bbox.Min.Y + dy)
		for x, v := range src.Row(src.bbox.Min.Y + dy) {
			dst[x] |= v
		}
	}
	return nil
}

// Count returns the number of pixels with any of bits set.
func (m *Mask) Count(bits MaskPixel) int {
	n := 0
	for y := m.bbox.Min.Y; y < m.bbox.Max.Y; y++ {
		for _, v := range m.Row(y) {
			if v&bits != 0 {
				n++
			}
		}
	}
	return n
}
