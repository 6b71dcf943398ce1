package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dcrcoadd/pkg/coadd"
	"dcrcoadd/pkg/config"
	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/imageio"
	"dcrcoadd/pkg/maskedimage"
	"dcrcoadd/pkg/refraction"
	"dcrcoadd/pkg/warp"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "dcrcoadd.yaml", "YAML configuration file")
	initConfig := flag.Bool("init", false, "Write a default configuration file and exit")
	outputDir := flag.String("output", "", "Directory for the subfilter model (overrides the config)")
	numCores := flag.Int("cores", 0, "Number of tiles solved in parallel (overrides the config)")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save the model after every iteration")
	quiet := flag.Bool("quiet", false, "Only report errors")
	resumeDir := flag.String("model", "", "Resume from a model saved in this directory")
	templateDir := flag.String("templates", "", "Write the matched template of every exposure to this directory")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
	}
	if *quiet {
		cfg.Output.Verbose = false
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if len(cfg.Exposures) == 0 {
		flag.Usage()
		log.Fatalf("No exposures listed in %s", *configPath)
	}

	if cfg.Output.Verbose {
		fmt.Println("================================")
		fmt.Println("DCR COADD: SUBFILTER MODELLING OF DIFFERENTIAL CHROMATIC REFRACTION")
		fmt.Println("================================")
	}

	params, err := buildParams(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Output.Verbose {
		fmt.Printf("Band %s: %.1f-%.1f nm in %d subfilters\n",
			params.Filter.Name, params.Filter.LambdaMin, params.Filter.LambdaMax, params.NumSubfilters)
		fmt.Printf("PSF FWHM: %.2f pixels\n", exposure.GaussianPSF{Sigma: cfg.PSFSigma}.FWHM())
		fmt.Printf("Bad mask planes: %s\n", strings.Join(maskedimage.PlaneNames(params.BadMask), ", "))
	}
	exposures, err := loadExposures(cfg, params.Filter, params.PSF)
	if err != nil {
		log.Fatalf("Failed to load exposures: %v", err)
	}

	assembler := coadd.NewAssembler(params, exposures)
	if *resumeDir != "" {
		model, err := imageio.LoadModel(*resumeDir)
		if err != nil {
			log.Fatalf("Failed to load model: %v", err)
		}
		if cfg.Output.Verbose {
			fmt.Printf("Resuming from %d-subfilter model in %s\n", model.Len(), *resumeDir)
		}
		assembler.SetInitialModel(model)
	}

	startTime := time.Now()
	if err := assembler.Process(); err != nil {
		log.Fatalf("Coadd failed: %v", err)
	}
	processingTime := time.Since(startTime)

	if err := imageio.SaveModel(assembler.Model(), cfg.Output.Dir); err != nil {
		log.Fatalf("Failed to save model: %v", err)
	}
	if *templateDir != "" {
		if err := saveTemplates(assembler, *templateDir); err != nil {
			log.Fatalf("Failed to save templates: %v", err)
		}
	}

	if !cfg.Output.Verbose {
		return
	}
	metrics := assembler.GetMetrics()
	fmt.Printf("\nCoadd run %s completed in %.2f seconds\n", metrics.RunID, processingTime.Seconds())
	fmt.Printf("Model with %d subfilters saved to: %s\n\n", assembler.Model().Len(), cfg.Output.Dir)

	fmt.Println("Convergence history:")
	fmt.Println("====================")
	for _, r := range metrics.Iterations {
		fmt.Printf("Iteration %2d  gain %.3f  convergence %.6f  improvement %+.4f%%\n",
			r.Iteration, r.Gain, r.Convergence, 100*r.Improvement)
	}
	switch {
	case metrics.Converged:
		fmt.Println("Solution converged")
	case metrics.Diverged:
		fmt.Println("Solution diverged; the last model is kept")
	default:
		fmt.Println("Solution did not converge within the iteration limit")
	}
	fmt.Printf("\nUsed %d cores on %d tiles\n", cfg.Processing.NumCores, metrics.Tiles)

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", cfg.Output.IntermediaryDir)
		fmt.Println("- 01_initial_coadd: Inverse-variance stack of the exposures")
		fmt.Println("- 02_iteration_NN: Subfilter models after each iteration")
		fmt.Println("- 03_convergence: Convergence history and plot")
	}
}

// buildParams translates the configuration into solver parameters.
func buildParams(cfg *config.Config) (*coadd.Params, error) {
	badMask, err := maskedimage.PlaneBitMask(cfg.Solver.BadMaskPlanes...)
	if err != nil {
		return nil, fmt.Errorf("badMaskPlanes: %w", err)
	}
	convergenceMask, err := maskedimage.PlaneBitMask(cfg.Solver.ConvergenceMaskPlanes...)
	if err != nil {
		return nil, fmt.Errorf("convergenceMaskPlanes: %w", err)
	}
	control, err := warp.NewControl(cfg.Warp.ImageKernel, cfg.Warp.MaskKernel)
	if err != nil {
		return nil, err
	}
	filter := &exposure.FilterProperty{
		Name:      cfg.Filter.Name,
		LambdaEff: cfg.Filter.LambdaEff,
		LambdaMin: cfg.Filter.LambdaMin,
		LambdaMax: cfg.Filter.LambdaMax,
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var progress io.Writer = io.Discard
	if cfg.Output.Verbose {
		progress = os.Stdout
	}
	return &coadd.Params{
		NumSubfilters:             cfg.Processing.NumSubfilters,
		NumCores:                  cfg.Processing.NumCores,
		TileSize:                  cfg.Processing.TileSize,
		BufferSize:                cfg.Processing.BufferSize,
		MaxIterations:             cfg.Solver.MaxIterations,
		MinIterations:             cfg.Solver.MinIterations,
		ConvergenceThreshold:      cfg.Solver.ConvergenceThreshold,
		BaseGain:                  cfg.Solver.BaseGain,
		UseProgressiveGain:        cfg.Solver.UseProgressiveGain,
		RegularizeModelIterations: cfg.Solver.RegularizeModelIterations,
		RegularizeModelFrequency:  cfg.Solver.RegularizeModelFrequency,
		RegularizationWidth:       cfg.Solver.RegularizationWidth,
		SplitSubfilters:           cfg.Solver.SplitSubfilters,
		InterpolateGaps:           cfg.Solver.InterpolateGaps,
		BadMask:                   badMask,
		ConvergenceMask:           convergenceMask,
		Filter:                    filter,
		PSF:                       exposure.GaussianPSF{Sigma: cfg.PSFSigma},
		Warper:                    warp.NewWarper(control),
		SaveIntermediaryResults:   cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:           cfg.Output.IntermediaryDir,
		Progress:                  progress,
	}, nil
}

// loadExposures reads every configured image and attaches its metadata.
func loadExposures(cfg *config.Config, filter *exposure.FilterProperty, psf exposure.PSF) ([]*exposure.Exposure, error) {
	exposures := make([]*exposure.Exposure, len(cfg.Exposures))
	for i, e := range cfg.Exposures {
		if cfg.Output.Verbose {
			fmt.Printf("Loading exposure %d: %s\n", e.Visit, e.Path)
		}
		img, err := imageio.Load(e.Path, e.VariancePath)
		if err != nil {
			return nil, fmt.Errorf("exposure %d: %w", i, err)
		}
		visit := &exposure.VisitInfo{
			ID:                e.Visit,
			BoresightAltitude: geom.Degrees(e.Altitude),
			BoresightParAngle: geom.Degrees(e.ParallacticAngle),
			Observatory: refraction.Observatory{
				Longitude: geom.Degrees(e.Observatory.Longitude),
				Latitude:  geom.Degrees(e.Observatory.Latitude),
				Elevation: e.Observatory.Elevation,
			},
			Weather: refraction.Weather{
				AirTemperature: e.Weather.Temperature,
				AirPressure:    e.Weather.Pressure,
				Humidity:       e.Weather.Humidity,
			},
		}
		exposures[i] = &exposure.Exposure{
			MaskedImage: img,
			Visit:       visit,
			Wcs:         geom.NewRotatedWcs(geom.Arcseconds(e.Wcs.PixelScale), geom.Degrees(e.Wcs.Rotation), e.Wcs.Flipped),
			Filter:      filter,
			PSF:         psf,
		}
	}
	return exposures, nil
}

// saveTemplates writes the model's prediction of every exposure as a PNG.
func saveTemplates(assembler *coadd.Assembler, dir string) error {
	matched, err := assembler.MatchedExposures()
	if err != nil {
		return err
	}
	for _, e := range matched {
		filename := filepath.Join(dir, fmt.Sprintf("template_%06d.png", e.Visit.ID))
		if err := imageio.SavePNG(e.MaskedImage.Image(), filename); err != nil {
			return err
		}
	}
	return nil
}
