// Package interpolation fills masked pixels of an image by ordinary kriging
// from their nearest good neighbours.
package interpolation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"dcrcoadd/pkg/maskedimage"
)

// ErrNoSamples is returned when an image has nothing to interpolate from.
var ErrNoSamples = errors.New("no good pixels to interpolate from")

// Variogram models supported by the implementation
type VariogramModel int

// Supported variogram models.
const (
	Spherical VariogramModel = iota
	Exponential
	Gaussian
)

// KrigingParams holds the parameters for kriging interpolation
type KrigingParams struct {
	Range  float64        // Range of the variogram in pixels
	Sill   float64        // Sill of the variogram
	Nugget float64        // Nugget effect
	Model  VariogramModel // Type of variogram model to use

	// Neighbors is the number of nearest good pixels each estimate uses
	Neighbors int
}

// DefaultKrigingParams suits filling holes a few pixels across in a smooth image.
func DefaultKrigingParams() KrigingParams {
	return KrigingParams{
		Range:     8,
		Sill:      1,
		Nugget:    0,
		Model:     Exponential,
		Neighbors: 16,
	}
}

// Point is a good pixel with its value and variance.
type Point struct {
	X, Y     float64
	Value    float64
	Variance float64
}

// Compare implements the kdtree.Comparable interface
func (p Point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p Point) Distance(c kdtree.Comparable) float64 {
	q := c.(Point)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// Points is a collection of Point that satisfies kdtree.Interface
type Points []Point

// Index, Len and Slice implement kdtree.Interface.
func (p Points) Index(i int) kdtree.Comparable { return p[i] }

// Len returns the number of points.
func (p Points) Len() int { return len(p) }

// Slice returns the points in [start, end).
func (p Points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points
type pointPlane struct {
	Points
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points[i].X < p.Points[j].X
	case 1:
		return p.Points[i].Y < p.Points[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points: p.Points[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points[i], p.Points[j] = p.Points[j], p.Points[i]
}

// Kriging estimates values from a fixed set of samples.
type Kriging struct {
	params KrigingParams
	tree   *kdtree.Tree
	size   int
}

// NewKriging indexes samples for neighbour searches. samples is reordered.
func NewKriging(samples []Point, params KrigingParams) (*Kriging, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if params.Range <= 0 {
		return nil, fmt.Errorf("variogram range must be positive, got %g", params.Range)
	}
	if params.Neighbors < 1 {
		params.Neighbors = 1
	}
	return &Kriging{
		params: params,
		tree:   kdtree.New(Points(samples), false),
		size:   len(samples),
	}, nil
}

// variogram returns the semivariance at distance h
func (k *Kriging) variogram(h float64) float64 {
	if h == 0 {
		return 0
	}
	p := k.params
	gamma := p.Nugget
	switch p.Model {
	case Spherical:
		if h < p.Range {
			r := h / p.Range
			gamma += p.Sill * (1.5*r - 0.5*r*r*r)
		} else {
			gamma += p.Sill
		}
	case Exponential:
		gamma += p.Sill * (1 - math.Exp(-3*h/p.Range))
	case Gaussian:
		gamma += p.Sill * (1 - math.Exp(-3*h*h/(p.Range*p.Range)))
	}
	return gamma
}

// neighbors returns the samples nearest to (x, y).
func (k *Kriging) neighbors(x, y float64) []Point {
	keeper := kdtree.NewNKeeper(min(k.params.Neighbors, k.size))
	k.tree.NearestSet(keeper, Point{X: x, Y: y})

	out := make([]Point, 0, keeper.Len())
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		out = append(out, item.Comparable.(Point))
	}
	return out
}

// Weights returns the ordinary kriging weights of the neighbours of (x, y).
// The weights sum to one. When the kriging system is singular, inverse
// squared distance weights are used instead.
func (k *Kriging) Weights(x, y float64) ([]Point, []float64) {
	pts := k.neighbors(x, y)
	n := len(pts)
	target := Point{X: x, Y: y}

	// Ordinary kriging: [Γ 1; 1ᵀ 0] [λ; μ] = [γ; 1]
	a := mat.NewDense(n+1, n+1, nil)
	b := mat.NewVecDense(n+1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, k.variogram(math.Sqrt(pts[i].Distance(pts[j]))))
		}
		a.Set(i, n, 1)
		a.Set(n, i, 1)
		b.SetVec(i, k.variogram(math.Sqrt(pts[i].Distance(target))))
	}
	b.SetVec(n, 1)

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err == nil {
		weights := make([]float64, n)
		for i := range weights {
			weights[i] = sol.AtVec(i)
		}
		if finiteAll(weights) {
			return pts, weights
		}
	}
	return pts, inverseDistanceWeights(pts, target)
}

// Estimate returns the kriged value at (x, y) and the weighted variance of
// the neighbours used.
func (k *Kriging) Estimate(x, y float64) (value, variance float64) {
	pts, weights := k.Weights(x, y)
	for i, p := range pts {
		value += weights[i] * p.Value
		variance += weights[i] * weights[i] * p.Variance
	}
	return value, variance
}

func inverseDistanceWeights(pts []Point, target Point) []float64 {
	weights := make([]float64, len(pts))
	var sum float64
	for i, p := range pts {
		d := p.Distance(target)
		if d == 0 {
			for j := range weights {
				weights[j] = 0
			}
			weights[i] = 1
			return weights
		}
		weights[i] = 1 / d
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

func finiteAll(values []float64) bool {
	for _, v := range values {
		if !finite(v) {
			return false
		}
	}
	return true
}

// FillMasked replaces every pixel of img that has any of the bits in fill set,
// or a non-finite value, with a kriging estimate from pixels that have none of
// the bits in exclude. Filled pixels get the mask value flag. It returns the
// number of pixels filled.
func FillMasked(img *maskedimage.MaskedImage, fill, exclude, flag maskedimage.MaskPixel, params KrigingParams) (int, error) {
	bbox := img.BBox()
	var samples []Point
	var holes []Point
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		values, variances, bits := img.ImageRow(y), img.VarianceRow(y), img.Mask().Row(y)
		for i, v := range values {
			p := Point{X: float64(bbox.Min.X + i), Y: float64(y), Value: v, Variance: variances[i]}
			switch {
			case bits[i]&fill != 0 || !finite(v):
				holes = append(holes, p)
			case bits[i]&exclude == 0 && finite(variances[i]):
				samples = append(samples, p)
			}
		}
	}
	if len(holes) == 0 {
		return 0, nil
	}

	k, err := NewKriging(samples, params)
	if err != nil {
		return 0, err
	}
	for _, h := range holes {
		value, variance := k.Estimate(h.X, h.Y)
		img.Set(int(h.X), int(h.Y), value, variance, flag)
	}
	return len(holes), nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
