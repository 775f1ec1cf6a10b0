package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/polarpipe/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for a reduction run. It is loaded once
// and treated as immutable afterwards, so several reductions with different
// configurations can share one process.
type Config struct {
	Processing  Processing  `json:"processing"`
	Logging     Logging     `json:"logging"`
	Paths       Paths       `json:"paths"`
	Reduction   Reduction   `json:"reduction"`
	Photometry  Photometry  `json:"photometry"`
	Polarimetry Polarimetry `json:"polarimetry"`
	Calibration Calibration `json:"calibration"`
	Server      Server      `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
	IncomingDir   string `json:"incoming_dir"` // watched for new frames in serve mode
}

// Reduction configures frame calibration.
type Reduction struct {
	Gain            float64 `json:"gain"`             // e-/ADU, 0 keeps ADU
	SaturationLevel float64 `json:"saturation_level"` // ADU
	FlatEpsilon     float64 `json:"flat_epsilon"`     // flat values at or below this mark pixels bad
	RejectSigma     float64 `json:"reject_sigma"`     // combine sigma-clip threshold
	RejectIterMax   int     `json:"reject_iter_max"`
	BinFactor       int     `json:"bin_factor"` // 1 disables binning
	BinMode         string  `json:"bin_mode"`   // "sum" or "mean"
}

// Photometry configures source detection and aperture measurement.
type Photometry struct {
	DetectSigma      float64   `json:"detect_sigma"`      // significance threshold over background
	CentroidIterMax  int       `json:"centroid_iter_max"` // moment re-centering cap
	CentroidTol      float64   `json:"centroid_tol"`      // pixels
	Apertures        []float64 `json:"apertures"`         // radii in pixels
	AnnulusInner     float64   `json:"annulus_inner"`
	AnnulusOuter     float64   `json:"annulus_outer"`
	BackgroundSigma  float64   `json:"background_sigma"` // annulus clip threshold
	SaturationLevel  float64   `json:"saturation_level"` // ADU, flags saturated measurements
	MinSNR           float64   `json:"min_snr"`          // below this sets the low-snr flag
	DetectBoxHalf    int       `json:"detect_box_half"`  // local-maximum search half width
	MaxSources       int       `json:"max_sources"`
	NeighborExcludeR float64   `json:"neighbor_exclude_radius"` // annulus pixels this close to another source are dropped
}

// Polarimetry configures dual-beam pair matching and the Stokes fit.
type Polarimetry struct {
	BeamDX        float64 `json:"beam_dx"` // expected ordinary->extraordinary displacement, pixels
	BeamDY        float64 `json:"beam_dy"`
	Tolerance     float64 `json:"tolerance"` // pixels
	Retarder      string  `json:"retarder"`  // "halfwave" (linear) or "quarterwave" (circular)
	AmbiguityMode string  `json:"ambiguity"` // "best-score" keeps the top candidate and records runners-up
}

// Calibration configures the catalog zero-point fit.
type Calibration struct {
	RejectSigma   float64 `json:"reject_sigma"`
	MaxIterations int     `json:"max_iterations"`
	FitColorTerm  bool    `json:"fit_color_term"`
}

// Server configures the status API.
type Server struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("POLARPIPE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "polarpipe.db"),
		},
		Reduction: Reduction{
			Gain:            1.0,
			SaturationLevel: 60000,
			FlatEpsilon:     1e-3,
			RejectSigma:     3.0,
			RejectIterMax:   5,
			BinFactor:       1,
			BinMode:         "sum",
		},
		Photometry: Photometry{
			DetectSigma:      5.0,
			CentroidIterMax:  10,
			CentroidTol:      0.01,
			Apertures:        []float64{4, 6, 8},
			AnnulusInner:     10,
			AnnulusOuter:     15,
			BackgroundSigma:  3.0,
			SaturationLevel:  60000,
			MinSNR:           3.0,
			DetectBoxHalf:    2,
			MaxSources:       500,
			NeighborExcludeR: 4,
		},
		Polarimetry: Polarimetry{
			BeamDX:        30,
			BeamDY:        0,
			Tolerance:     2.0,
			Retarder:      "halfwave",
			AmbiguityMode: "best-score",
		},
		Calibration: Calibration{
			RejectSigma:   2.5,
			MaxIterations: 10,
			FitColorTerm:  false,
		},
		Server: Server{
			Addr: ":8780",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
