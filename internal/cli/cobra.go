package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"polarpipe/internal/catalog"
	"polarpipe/internal/config"
	"polarpipe/internal/pipeline"
	"polarpipe/internal/server"
	"polarpipe/internal/watch"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *catalog.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "polarpipe",
		Short: "Polarpipe reduces imaging-polarimeter CCD data",
		Long: `Polarpipe turns raw dual-beam polarimeter exposures into a calibrated
source catalog: frame calibration, cosmic-ray cleaning, registration,
aperture photometry, Stokes-parameter fitting and flux calibration.`,
	}

	rootCmd.AddCommand(newCombineCmd(root))
	rootCmd.AddCommand(newReduceCmd(root))
	rootCmd.AddCommand(newPhotometryCmd(root))
	rootCmd.AddCommand(newPolarimetryCmd(root))
	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newServeCmd(root, pipe))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newCombineCmd(root *Root) *cobra.Command {
	var (
		kind      string
		statistic string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "combine <input_directory>",
		Short: "Combine calibration frames into a master frame",
		Long: `Combine bias, dark or flat exposures into a master calibration frame
with per-pixel outlier rejection.

Examples:
  polarpipe combine /data/bias/ --kind bias --output master_bias.tif
  polarpipe combine /data/flats/ --kind flat --statistic median --output master_flat.tif`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("comb"),
				Type:      pipeline.JobCombine,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"kind":      kind,
					"statistic": statistic,
					"source":    "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "bias", "master kind (bias|dark|flat)")
	cmd.Flags().StringVar(&statistic, "statistic", "sigma-clip", "combination statistic (mean|median|sigma-clip|minmax|sum)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output master frame path")

	return cmd
}

func newReduceCmd(root *Root) *cobra.Command {
	var (
		biasDir   string
		darkDir   string
		flatDir   string
		statistic string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "reduce <light_directory>",
		Short: "Calibrate science frames against master bias/dark/flat",
		Long: `Calibrate a directory of science exposures: bias subtraction, scaled
dark subtraction, flat division and cosmic-ray cleaning. Master frames
are combined on demand and cached across frames.

Examples:
  polarpipe reduce /data/lights/ --bias /data/bias/ --flat /data/flats/ -o /data/cal/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			job := pipeline.Job{
				ID:        newID("red"),
				Type:      pipeline.JobReduce,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"bias":      biasDir,
					"dark":      darkDir,
					"flat":      flatDir,
					"statistic": statistic,
					"source":    "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&biasDir, "bias", "", "directory of bias exposures")
	cmd.Flags().StringVar(&darkDir, "dark", "", "directory of dark exposures")
	cmd.Flags().StringVar(&flatDir, "flat", "", "directory of flat exposures")
	cmd.Flags().StringVar(&statistic, "statistic", "sigma-clip", "master combination statistic (mean|median|sigma-clip|minmax|sum)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for calibrated frames")

	return cmd
}

func newPhotometryCmd(root *Root) *cobra.Command {
	var (
		output     string
		noRegister bool
	)

	cmd := &cobra.Command{
		Use:   "photometry <calibrated_directory>",
		Short: "Detect sources and measure aperture photometry",
		Long: `Register a sequence of calibrated frames onto a common grid, detect
sources and measure multi-aperture photometry with local background
subtraction.

Examples:
  polarpipe photometry /data/cal/
  polarpipe photometry /data/cal/ --no-register`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("phot"),
				Type:      pipeline.JobPhotometry,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"register": !noRegister,
					"source":   "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().BoolVar(&noRegister, "no-register", false, "skip frame registration, measure on native grids")

	return cmd
}

func newPolarimetryCmd(root *Root) *cobra.Command {
	var retarder string

	cmd := &cobra.Command{
		Use:   "polarimetry <calibrated_directory>",
		Short: "Match beam pairs and fit Stokes parameters",
		Long: `Match ordinary/extraordinary beam pairs on each retarder-angle frame,
associate them into per-star modulation series and fit normalized
Stokes parameters.

Examples:
  polarpipe polarimetry /data/cal/
  polarpipe polarimetry /data/cal/ --retarder quarterwave`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("pol"),
				Type:      pipeline.JobPolarimetry,
				InputPath: args[0],
				Options: map[string]any{
					"retarder": retarder,
					"source":   "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&retarder, "retarder", "", "retarder type (halfwave|quarterwave), config default if empty")

	return cmd
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var (
		refs        string
		matchRadius float64
		ra, dec     float64
		radius      float64
	)

	cmd := &cobra.Command{
		Use:   "calibrate <calibrated_directory>",
		Short: "Produce the flux-calibrated output catalog",
		Long: `Run photometry and polarimetry over the input sequence, anchor the
instrumental magnitudes to reference magnitudes and write the final
catalog to the database.

Examples:
  polarpipe calibrate /data/cal/ --refs field_standards.json
  polarpipe calibrate /data/cal/ --ra 83.63 --dec 22.01 --radius 0.2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("cal"),
				Type:      pipeline.JobCalibrate,
				InputPath: args[0],
				Options: map[string]any{
					"refs":         refs,
					"match_radius": matchRadius,
					"ra":           ra,
					"dec":          dec,
					"radius":       radius,
					"source":       "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&refs, "refs", "", "JSON reference list with pixel positions and magnitudes")
	cmd.Flags().Float64Var(&matchRadius, "match-radius", 3, "reference matching radius in pixels")
	cmd.Flags().Float64Var(&ra, "ra", 0, "field center right ascension, degrees (catalog lookup)")
	cmd.Flags().Float64Var(&dec, "dec", 0, "field center declination, degrees (catalog lookup)")
	cmd.Flags().Float64Var(&radius, "radius", 0.1, "cone search radius, degrees (catalog lookup)")

	return cmd
}

func newServeCmd(root *Root, pipe *pipeline.Pipeline) *cobra.Command {
	var (
		addr     string
		incoming string
		biasDir  string
		darkDir  string
		flatDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and incoming-frame watcher",
		Long: `Start the HTTP server for job submission, history and live result
streaming. With --incoming, new frame files dropped into the directory
are reduced automatically.

Examples:
  polarpipe serve --addr :8780
  polarpipe serve --incoming /data/incoming --bias /data/bias --flat /data/flats`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			if incoming == "" {
				incoming = root.cfg.Paths.IncomingDir
			}

			if incoming != "" {
				options := map[string]any{
					"bias": biasDir,
					"dark": darkDir,
					"flat": flatDir,
				}
				w := watch.New(pipe, incoming, root.cfg.Paths.DefaultOutput, options, root.log)
				go func() {
					if err := w.Run(ctx); err != nil && ctx.Err() == nil {
						root.log.Error("watcher stopped", "error", err)
					}
				}()
			}

			srv := server.New(addr, root.store, pipe, root.log)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (config default if empty)")
	cmd.Flags().StringVar(&incoming, "incoming", "", "directory to watch for new frames")
	cmd.Flags().StringVar(&biasDir, "bias", "", "bias directory for watched reductions")
	cmd.Flags().StringVar(&darkDir, "dark", "", "dark directory for watched reductions")
	cmd.Flags().StringVar(&flatDir, "flat", "", "flat directory for watched reductions")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfig(root.cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func validateConfig(cfg *config.Config) error {
	if cfg.Reduction.RejectSigma <= 0 {
		return fmt.Errorf("reduction.reject_sigma must be positive")
	}
	if len(cfg.Photometry.Apertures) == 0 {
		return fmt.Errorf("photometry.apertures must list at least one radius")
	}
	if cfg.Photometry.AnnulusOuter <= cfg.Photometry.AnnulusInner {
		return fmt.Errorf("photometry annulus outer radius must exceed the inner radius")
	}
	if cfg.Polarimetry.Tolerance <= 0 {
		return fmt.Errorf("polarimetry.tolerance must be positive")
	}
	switch cfg.Polarimetry.Retarder {
	case "halfwave", "quarterwave":
	default:
		return fmt.Errorf("polarimetry.retarder must be halfwave or quarterwave")
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("polarpipe v1.0.0")
		},
	}
}
