// Package config provides configuration loading and management for dcrcoadd.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many tiles are solved concurrently
		NumCores int `yaml:"numCores"`

		// TileSize is the side of the square tiles the model is split into, in pixels.
		// Zero solves the whole model as one tile.
		TileSize int `yaml:"tileSize"`

		// BufferSize is the overlap added around each tile, in pixels
		BufferSize int `yaml:"bufferSize"`

		// NumSubfilters is the number of wavelength slices the band is split into
		NumSubfilters int `yaml:"numSubfilters"`
	} `yaml:"processing"`

	// Solver parameters
	Solver struct {
		MaxIterations int `yaml:"maxIterations"`
		MinIterations int `yaml:"minIterations"`

		// ConvergenceThreshold is the fractional improvement below which iteration stops
		ConvergenceThreshold float64 `yaml:"convergenceThreshold"`

		// BaseGain is the relative weight of a new solution. Zero selects
		// 1/(numSubfilters-1).
		BaseGain float64 `yaml:"baseGain"`

		// UseProgressiveGain raises the gain as the solution converges
		UseProgressiveGain bool `yaml:"useProgressiveGain"`

		// RegularizeModelIterations is the largest factor a subfilter may change
		// by in one iteration. Zero disables the clamp.
		RegularizeModelIterations float64 `yaml:"regularizeModelIterations"`

		// RegularizeModelFrequency is the largest factor two subfilters may differ
		// by. Zero disables the clamp.
		RegularizeModelFrequency float64 `yaml:"regularizeModelFrequency"`

		// RegularizationWidth is the smallest radius of a region that is clamped
		RegularizationWidth int `yaml:"regularizationWidth"`

		// SplitSubfilters evaluates DCR at two wavelengths per subfilter
		SplitSubfilters bool `yaml:"splitSubfilters"`

		// InterpolateGaps fills uncovered pixels of the initial coadd by kriging
		InterpolateGaps bool `yaml:"interpolateGaps"`

		// BadMaskPlanes are excluded from stacking
		BadMaskPlanes []string `yaml:"badMaskPlanes"`

		// ConvergenceMaskPlanes restrict the convergence metric to flagged pixels.
		// Empty uses every good pixel.
		ConvergenceMaskPlanes []string `yaml:"convergenceMaskPlanes"`
	} `yaml:"solver"`

	// Warp parameters
	Warp struct {
		// ImageKernel is one of lanczos2..5, catmullrom, bilinear or nearest
		ImageKernel string `yaml:"imageKernel"`
		MaskKernel  string `yaml:"maskKernel"`
	} `yaml:"warp"`

	// Filter describes the band; wavelengths in nm
	Filter struct {
		Name      string  `yaml:"name"`
		LambdaEff float64 `yaml:"lambdaEff"`
		LambdaMin float64 `yaml:"lambdaMin"`
		LambdaMax float64 `yaml:"lambdaMax"`
	} `yaml:"filter"`

	// PSFSigma is the Gaussian PSF width of the model in pixels
	PSFSigma float64 `yaml:"psfSigma"`

	// Exposures lists the input images, already resampled onto the coadd grid
	Exposures []Exposure `yaml:"exposures"`

	// Output parameters
	Output struct {
		// Dir receives the subfilter images of the final model
		Dir string `yaml:"dir"`

		// SaveIntermediaryResults determines whether the model is saved after every iteration
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where per-iteration results are written
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// Exposure is one input image with its observing conditions.
type Exposure struct {
	// Path to a PNG, JPEG or TIFF image
	Path string `yaml:"path"`

	// VariancePath optionally points at a variance image; otherwise the
	// variance is estimated from the pixel values
	VariancePath string `yaml:"variancePath,omitempty"`

	Visit int `yaml:"visit"`

	// Altitude of the boresight in degrees
	Altitude float64 `yaml:"altitude"`

	// ParallacticAngle in degrees
	ParallacticAngle float64 `yaml:"parallacticAngle"`

	Observatory struct {
		Longitude float64 `yaml:"longitude"`
		Latitude  float64 `yaml:"latitude"`
		Elevation float64 `yaml:"elevation"`
	} `yaml:"observatory"`

	// Weather is optional; zero values select the standard atmosphere for
	// the observatory elevation
	Weather struct {
		Temperature float64 `yaml:"temperature"`
		Pressure    float64 `yaml:"pressure"`
		Humidity    float64 `yaml:"humidity"`
	} `yaml:"weather"`

	Wcs struct {
		// PixelScale in arcseconds
		PixelScale float64 `yaml:"pixelScale"`
		// Rotation of the sky in degrees
		Rotation float64 `yaml:"rotation"`
		Flipped  bool    `yaml:"flipped"`
	} `yaml:"wcs"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.TileSize = 120
	cfg.Processing.BufferSize = 5
	cfg.Processing.NumSubfilters = 3

	// Set default solver parameters
	cfg.Solver.MaxIterations = 8
	cfg.Solver.MinIterations = 2
	cfg.Solver.ConvergenceThreshold = 0.001
	cfg.Solver.BaseGain = 0
	cfg.Solver.UseProgressiveGain = true
	cfg.Solver.RegularizeModelIterations = 2
	cfg.Solver.RegularizeModelFrequency = 4
	cfg.Solver.RegularizationWidth = 2
	cfg.Solver.SplitSubfilters = true
	cfg.Solver.InterpolateGaps = true
	cfg.Solver.BadMaskPlanes = []string{"BAD", "EDGE", "SAT", "INTRP", "NO_DATA"}
	cfg.Solver.ConvergenceMaskPlanes = []string{}

	// Set default warp parameters
	cfg.Warp.ImageKernel = "lanczos3"
	cfg.Warp.MaskKernel = "bilinear"

	// Default to a g band
	cfg.Filter.Name = "g"
	cfg.Filter.LambdaEff = 476.7
	cfg.Filter.LambdaMin = 405
	cfg.Filter.LambdaMax = 552

	cfg.PSFSigma = 1.5

	// Set default output parameters
	cfg.Output.Dir = "dcr_model"
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks the values that would otherwise fail deep inside the solver
func (c *Config) Validate() error {
	if c.Processing.NumSubfilters < 1 {
		return fmt.Errorf("numSubfilters must be at least 1, got %d", c.Processing.NumSubfilters)
	}
	if c.Processing.BufferSize < 0 {
		return fmt.Errorf("bufferSize must not be negative, got %d", c.Processing.BufferSize)
	}
	if c.Solver.MaxIterations < 1 {
		return fmt.Errorf("maxIterations must be at least 1, got %d", c.Solver.MaxIterations)
	}
	if c.Solver.MinIterations > c.Solver.MaxIterations {
		return fmt.Errorf("minIterations (%d) exceeds maxIterations (%d)", c.Solver.MinIterations, c.Solver.MaxIterations)
	}
	if c.Solver.BaseGain < 0 {
		return fmt.Errorf("baseGain must not be negative, got %g", c.Solver.BaseGain)
	}
	if f := c.Solver.RegularizeModelIterations; f != 0 && f <= 1 {
		return fmt.Errorf("regularizeModelIterations must be 0 or greater than 1, got %g", f)
	}
	if f := c.Solver.RegularizeModelFrequency; f != 0 && f <= 1 {
		return fmt.Errorf("regularizeModelFrequency must be 0 or greater than 1, got %g", f)
	}
	if c.Filter.LambdaMin <= 0 || c.Filter.LambdaMax <= c.Filter.LambdaMin {
		return fmt.Errorf("invalid filter wavelength range [%g, %g]", c.Filter.LambdaMin, c.Filter.LambdaMax)
	}
	for i, e := range c.Exposures {
		if e.Path == "" {
			return fmt.Errorf("exposure %d has no path", i)
		}
		if e.Wcs.PixelScale <= 0 {
			return fmt.Errorf("exposure %d (%s): pixelScale must be positive", i, e.Path)
		}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Relative exposure paths are resolved against the config file
	base := filepath.Dir(configPath)
	for i := range cfg.Exposures {
		cfg.Exposures[i].Path = resolve(base, cfg.Exposures[i].Path)
		cfg.Exposures[i].VariancePath = resolve(base, cfg.Exposures[i].VariancePath)
	}

	return cfg, nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
