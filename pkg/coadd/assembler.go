// Package coadd assembles a DCR model from a set of exposures by iterative
// forward modelling.
//
// Every iteration predicts each exposure from the current model, shifts the
// residuals back into the frame of every subfilter, stacks them, and blends
// the regularized result into the model. The model is processed in
// overlapping tiles which are solved in parallel.
package coadd

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"dcrcoadd/internal/models"
	"dcrcoadd/pkg/dcr"
	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/imageio"
	"dcrcoadd/pkg/interpolation"
	"dcrcoadd/pkg/maskedimage"
	"dcrcoadd/pkg/warp"
)

// Errors returned by Process before any solving starts.
var (
	ErrNoExposures = errors.New("no exposures to coadd")
	ErrNoWeight    = errors.New("no exposure has usable pixels")
)

// Params holds the solver configuration.
type Params struct {
	// NumSubfilters is the number of wavelength slices the band is split into.
	NumSubfilters int

	// NumCores specifies how many tiles are solved at the same time.
	// Values below one use a single goroutine.
	NumCores int

	// TileSize is the side of the square tiles in pixels. Zero or less solves
	// the whole model as one tile.
	TileSize int

	// BufferSize is the overlap added around each tile so that warps near
	// the tile edges see real data.
	BufferSize int

	// MaxIterations bounds the number of forward-modelling passes.
	MaxIterations int

	// MinIterations is the number of passes made before convergence or
	// divergence is acted on.
	MinIterations int

	// ConvergenceThreshold is the fractional improvement of the convergence
	// metric below which the solution is considered converged.
	ConvergenceThreshold float64

	// BaseGain is the relative weight of a new solution against the current
	// model. Zero or less selects 1/(NumSubfilters-1).
	BaseGain float64

	// UseProgressiveGain raises the gain once the convergence history allows
	// the final convergence to be estimated.
	UseProgressiveGain bool

	// RegularizeModelIterations caps how far a subfilter may move in one
	// iteration, as a multiplicative factor. Zero disables it.
	RegularizeModelIterations float64

	// RegularizeModelFrequency caps how far subfilters may differ from each
	// other, as a multiplicative factor. Zero disables it.
	RegularizeModelFrequency float64

	// RegularizationWidth is the smallest radius of a region the clamps
	// act on.
	RegularizationWidth int

	// SplitSubfilters evaluates DCR at two wavelengths per subfilter.
	SplitSubfilters bool

	// InterpolateGaps fills pixels of the initial coadd that no exposure
	// covers by kriging, flagged INTRP. Otherwise they start at zero, flagged
	// NO_DATA.
	InterpolateGaps bool

	// BadMask flags pixels left out of every statistic.
	BadMask maskedimage.MaskPixel

	// ConvergenceMask, when set, restricts the convergence metric to pixels
	// with one of these bits, typically detected sources.
	ConvergenceMask maskedimage.MaskPixel

	// Filter and PSF describe the model. They default to those of the first
	// exposure.
	Filter *exposure.FilterProperty
	PSF    exposure.PSF

	// Warper and Refractor default to warp.DefaultControl and the
	// standard atmosphere.
	Warper    dcr.Warper
	Refractor dcr.Refractor

	// SaveIntermediaryResults determines whether the model is written out
	// after every iteration.
	SaveIntermediaryResults bool

	// IntermediaryDir is where intermediary results are saved.
	IntermediaryDir string

	// Progress receives progress messages. Nil discards them.
	Progress io.Writer
}

// Metrics summarizes a run of the assembler.
type Metrics struct {
	// RunID identifies the Process call that produced these metrics.
	RunID string

	// Iterations holds the starting convergence as record 0 and one record
	// per completed iteration.
	Iterations []models.IterationRecord

	Converged bool
	Diverged  bool

	Tiles    int
	Duration time.Duration
}

// Assembler iteratively solves for a DCR model.
type Assembler struct {
	params    *Params
	exposures []*exposure.Exposure
	model     *dcr.Model
	bbox      image.Rectangle
	weights   []float64
	tiles     []models.Tile
	out       io.Writer
	metrics   Metrics
}

// NewAssembler creates an assembler for exposures, which must all cover the
// bounding box of the first one.
func NewAssembler(params *Params, exposures []*exposure.Exposure) *Assembler {
	out := params.Progress
	if out == nil {
		out = io.Discard
	}
	return &Assembler{
		params:    params,
		exposures: exposures,
		out:       out,
	}
}

// SetInitialModel starts the solver from m instead of a stack of the
// exposures. The model's bounding box becomes the output region.
func (a *Assembler) SetInitialModel(m *dcr.Model) {
	a.model = m
}

// Model returns the current model, nil before Process.
func (a *Assembler) Model() *dcr.Model { return a.model }

// GetMetrics returns the convergence history of the last Process call.
func (a *Assembler) GetMetrics() Metrics { return a.metrics }

// MatchedExposures predicts every exposure from the current model over the
// model's bounding box. It must be called after Process.
func (a *Assembler) MatchedExposures() ([]*exposure.Exposure, error) {
	if a.model == nil {
		return nil, fmt.Errorf("no model: Process has not run")
	}
	p := a.params
	out := make([]*exposure.Exposure, len(a.exposures))
	for i, e := range a.exposures {
		matched, err := a.model.BuildMatchedExposure(dcr.TemplateParams{
			Visit:     e.Visit,
			BBox:      a.model.BBox(),
			Wcs:       e.Wcs,
			Split:     p.SplitSubfilters,
			Warper:    p.Warper,
			Refractor: p.Refractor,
		})
		if err != nil {
			return nil, fmt.Errorf("exposure %d: %w", i, err)
		}
		out[i] = matched
	}
	return out, nil
}

// Process runs the complete solver
func (a *Assembler) Process() error {
	start := time.Now()
	a.metrics = Metrics{RunID: uuid.NewString()}
	defer func() { a.metrics.Duration = time.Since(start) }()

	if a.params.SaveIntermediaryResults {
		if err := os.MkdirAll(a.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	// Step 1: Validate exposures and compute their weights
	fmt.Fprintf(a.out, "Run %s\n", a.metrics.RunID)
	fmt.Fprintln(a.out, "Step 1: Weighting exposures...")
	if err := a.prepare(); err != nil {
		return err
	}

	// Step 2: Build the starting model
	fmt.Fprintln(a.out, "Step 2: Building initial model...")
	if err := a.initialModel(); err != nil {
		return fmt.Errorf("failed to build initial model: %w", err)
	}

	// Step 3: Divide the model into tiles for parallel processing
	a.tiles = models.SplitTiles(a.bbox, a.params.TileSize, a.params.BufferSize)
	a.metrics.Tiles = len(a.tiles)
	fmt.Fprintf(a.out, "Step 3: Divided %dx%d model into %d tiles\n", a.bbox.Dx(), a.bbox.Dy(), len(a.tiles))

	// Step 4: Iterate forward modelling until converged
	fmt.Fprintln(a.out, "Step 4: Solving for the subfilter models...")
	if err := a.iterate(); err != nil {
		return err
	}

	if a.params.SaveIntermediaryResults {
		if err := a.saveIntermediaryResult("03_convergence", a.metrics.Iterations, 0); err != nil {
			fmt.Fprintf(a.out, "Warning: Failed to save convergence history: %v\n", err)
		}
	}
	return nil
}

func (a *Assembler) prepare() error {
	p := a.params
	if len(a.exposures) == 0 {
		return ErrNoExposures
	}
	if p.NumSubfilters < 1 {
		return fmt.Errorf("%w: %d subfilters requested", dcr.ErrSubfilterCount, p.NumSubfilters)
	}
	if p.Filter == nil {
		p.Filter = a.exposures[0].Filter
	}
	if p.Filter == nil {
		return dcr.ErrNoFilter
	}
	if p.PSF == nil {
		p.PSF = a.exposures[0].PSF
	}
	if p.Warper == nil {
		p.Warper = warp.NewWarper(warp.DefaultControl())
	}

	a.bbox = a.exposures[0].BBox()
	if a.model != nil {
		a.bbox = a.model.BBox()
	}
	for i, e := range a.exposures {
		if e.MaskedImage == nil || e.Visit == nil || e.Wcs == nil {
			return fmt.Errorf("exposure %d: %w", i, dcr.ErrMissingMetadata)
		}
		if !a.bbox.In(e.BBox()) {
			return fmt.Errorf("exposure %d: %w: %v does not cover %v", i, dcr.ErrBBoxMismatch, e.BBox(), a.bbox)
		}
	}

	weights, err := exposureWeights(a.exposures, a.bbox, p.BadMask)
	if err != nil {
		return err
	}
	a.weights = weights
	for i, w := range weights {
		if w == 0 {
			fmt.Fprintf(a.out, "Warning: exposure %d has no usable pixels and is ignored\n", i)
		}
	}
	return nil
}

func (a *Assembler) initialModel() error {
	if a.model != nil {
		if a.model.Len() != a.params.NumSubfilters {
			return fmt.Errorf("%w: initial model has %d, expected %d",
				dcr.ErrSubfilterCount, a.model.Len(), a.params.NumSubfilters)
		}
		return nil
	}
	views := make([]*exposure.Exposure, len(a.exposures))
	for i, e := range a.exposures {
		sub, err := e.MaskedImage.Sub(a.bbox)
		if err != nil {
			return err
		}
		views[i] = &exposure.Exposure{MaskedImage: sub}
	}
	coadd, err := StackExposures(views, a.params.BadMask)
	if err != nil {
		return err
	}
	if a.params.InterpolateGaps {
		filled, err := interpolation.FillMasked(coadd, maskedimage.NoData, a.params.BadMask|maskedimage.NoData,
			maskedimage.Intrp, interpolation.DefaultKrigingParams())
		switch {
		case errors.Is(err, interpolation.ErrNoSamples):
			fmt.Fprintln(a.out, "Warning: no covered pixels to interpolate gaps from")
		case err != nil:
			return fmt.Errorf("interpolating gaps: %w", err)
		case filled > 0:
			fmt.Fprintf(a.out, "Interpolated %d pixels without coverage\n", filled)
		}
	}
	if a.params.SaveIntermediaryResults {
		if err := a.saveIntermediaryResult("01_initial_coadd", coadd, 0); err != nil {
			fmt.Fprintf(a.out, "Warning: Failed to save initial coadd: %v\n", err)
		}
	}
	a.model, err = dcr.FromImage(coadd, a.params.NumSubfilters, a.params.Filter, a.params.PSF)
	return err
}

func (a *Assembler) iterate() error {
	p := a.params
	conv, err := a.convergence()
	if err != nil {
		return fmt.Errorf("failed to measure convergence: %w", err)
	}
	convergence := []float64{conv}
	var gains []float64
	a.metrics.Iterations = []models.IterationRecord{{Convergence: conv}}
	fmt.Fprintf(a.out, "Initial convergence: %.6f\n", conv)

	for iter := 1; iter <= p.MaxIterations; iter++ {
		gain := a.calculateGain(convergence, gains)
		fmt.Fprintf(a.out, "Iteration %d: gain %.3f\n", iter, gain)

		if err := a.solveTiles(gain); err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		if p.SaveIntermediaryResults {
			stage := fmt.Sprintf("02_iteration_%02d", iter)
			if err := a.saveIntermediaryResult(stage, a.model, iter); err != nil {
				fmt.Fprintf(a.out, "Warning: Failed to save iteration %d: %v\n", iter, err)
			}
		}

		newConv, err := a.convergence()
		if err != nil {
			return fmt.Errorf("iteration %d: failed to measure convergence: %w", iter, err)
		}
		last := convergence[len(convergence)-1]
		improvement := 0.0
		if newConv != 0 {
			improvement = (last - newConv) / newConv
		}
		convergence = append(convergence, newConv)
		gains = append(gains, gain)
		a.metrics.Iterations = append(a.metrics.Iterations, models.IterationRecord{
			Iteration:   iter,
			Gain:        gain,
			Convergence: newConv,
			Improvement: improvement,
		})
		fmt.Fprintf(a.out, "Iteration %d: convergence %.6f, improvement %.4f%%\n", iter, newConv, 100*improvement)

		if improvement < 0 && iter > p.MinIterations {
			fmt.Fprintf(a.out, "Warning: solution diverged at iteration %d\n", iter)
			a.metrics.Diverged = true
			return nil
		}
		if newConv == 0 || (improvement < p.ConvergenceThreshold && iter >= p.MinIterations) {
			fmt.Fprintf(a.out, "Converged after %d iterations\n", iter)
			a.metrics.Converged = true
			return nil
		}
	}
	fmt.Fprintf(a.out, "Stopped after the maximum of %d iterations\n", p.MaxIterations)
	return nil
}

// solveTiles solves every tile against the current model and merges the
// results once all of them are done.
func (a *Assembler) solveTiles(gain float64) error {
	type tileResult struct {
		tile  models.Tile
		model *dcr.Model
		err   error
	}
	resultChan := make(chan tileResult, len(a.tiles))

	cores := max(a.params.NumCores, 1)
	sem := make(chan struct{}, cores)
	for _, tile := range a.tiles {
		go func(tile models.Tile) {
			sem <- struct{}{}
			defer func() { <-sem }()
			m, err := a.solveTile(tile, gain)
			resultChan <- tileResult{tile: tile, model: m, err: err}
		}(tile)
	}

	// Merging waits for every tile so that no tile sees a partly updated model.
	results := make([]tileResult, 0, len(a.tiles))
	var firstErr error
	for range a.tiles {
		res := <-resultChan
		if res.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tile %d %v: %w", res.tile.Index, res.tile.BBox, res.err)
		}
		results = append(results, res)

		progress := float64(len(results)) / float64(len(a.tiles)) * 100
		fmt.Fprintf(a.out, "\rSolving tiles: %.1f%% complete", progress)
	}
	fmt.Fprintln(a.out)
	if firstErr != nil {
		return firstErr
	}

	for _, res := range results {
		if err := a.model.Assign(res.model, res.tile.BBox); err != nil {
			return fmt.Errorf("merging tile %d: %w", res.tile.Index, err)
		}
	}
	return nil
}

// saveIntermediaryResult saves one stage of the solver under IntermediaryDir.
func (a *Assembler) saveIntermediaryResult(stage string, data interface{}, index int) error {
	if !a.params.SaveIntermediaryResults {
		return nil
	}
	stageDir := filepath.Join(a.params.IntermediaryDir, stage)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("failed to create intermediary directory: %w", err)
	}

	switch v := data.(type) {
	case *mat.Dense:
		return imageio.SavePNG(v, filepath.Join(stageDir, fmt.Sprintf("%03d.png", index)))

	case *maskedimage.MaskedImage:
		return imageio.SavePNG(v.Image(), filepath.Join(stageDir, fmt.Sprintf("%03d.png", index)))

	case *dcr.Model:
		for i := 0; i < v.Len(); i++ {
			img, err := v.At(i)
			if err != nil {
				return err
			}
			filename := filepath.Join(stageDir, fmt.Sprintf("subfilter_%02d.png", i))
			if err := imageio.SavePNG(img.Image(), filename); err != nil {
				return err
			}
		}
		return nil

	default:
		filename := filepath.Join(stageDir, fmt.Sprintf("%03d.txt", index))
		file, err := os.Create(filename)
		if err != nil {
			return fmt.Errorf("failed to create text file: %w", err)
		}
		defer file.Close()

		if records, ok := v.([]models.IterationRecord); ok {
			fmt.Fprintf(file, "# run %s\n", a.metrics.RunID)
			fmt.Fprintln(file, "iteration\tgain\tconvergence\timprovement")
			for _, r := range records {
				fmt.Fprintf(file, "%d\t%.4f\t%.6g\t%.6g\n", r.Iteration, r.Gain, r.Convergence, r.Improvement)
			}
			title := fmt.Sprintf("DCR model convergence (%d subfilters)", a.params.NumSubfilters)
			return imageio.PlotConvergence(records, title, filepath.Join(stageDir, "convergence.png"))
		}
		fmt.Fprintf(file, "%v", v)
	}
	return nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
