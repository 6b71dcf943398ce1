package models

import (
	"image"
)

// Tile is one independently solved piece of the model.
type Tile struct {
	// Index is the position of the tile in row-major order
	Index int

	// BBox is the region the tile writes back to the model.
	// Tiles of one model never overlap.
	BBox image.Rectangle

	// Outer is BBox grown by the buffer and clipped to the model. The solution
	// is computed over Outer so that warping near the tile edges sees real data.
	Outer image.Rectangle
}

// SplitTiles divides bbox into tiles of at most size x size pixels, each with
// a buffer of the given width. A size of zero or less gives a single tile.
func SplitTiles(bbox image.Rectangle, size, buffer int) []Tile {
	if size <= 0 {
		size = max(bbox.Dx(), bbox.Dy())
	}
	var tiles []Tile
	for y := bbox.Min.Y; y < bbox.Max.Y; y += size {
		for x := bbox.Min.X; x < bbox.Max.X; x += size {
			inner := image.Rect(x, y, min(x+size, bbox.Max.X), min(y+size, bbox.Max.Y))
			tiles = append(tiles, Tile{
				Index: len(tiles),
				BBox:  inner,
				Outer: inner.Inset(-buffer).Intersect(bbox),
			})
		}
	}
	return tiles
}

// IterationRecord summarizes one pass of the solver
type IterationRecord struct {
	// Iteration counts from 1; 0 is the starting model
	Iteration int

	// Gain is the weight given to the new solution when conditioning
	Gain float64

	// Convergence is the metric after the iteration; lower is better
	Convergence float64

	// Improvement is the fractional decrease of Convergence
	Improvement float64
}
