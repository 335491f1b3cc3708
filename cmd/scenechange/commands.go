package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scenechange/internal/config"
	"github.com/banshee-data/scenechange/internal/monitoring"
	"github.com/banshee-data/scenechange/internal/pipeline"
	"github.com/banshee-data/scenechange/internal/store"
	"github.com/banshee-data/scenechange/internal/version"
)

// flags holds the global command line options. Only flags the user set
// override the configuration file.
type flags struct {
	configPath string
	verbose    bool

	datasets, results, before, db string
	workers                       int
	minIoU, minConfidence, eps    float64
	minSamples, minSupport        int
	liftStrategy                  string
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "scenechange",
		Short:         "Before/after scene change detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	setupFlags(root, f)

	root.AddCommand(
		runCommand(f, stdout),
		detectCommand(f, stdout),
		refineCommand(f, stdout),
		runsCommand(f, stdout),
		versionCommand(stdout),
	)
	return root
}

func setupFlags(cmd *cobra.Command, f *flags) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "Path to a JSON config file (default "+config.DefaultConfigPath+" when present)")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Enable per-image trace logging")
	pf.StringVar(&f.datasets, "datasets", "", "Directory holding exactly two dataset directories")
	pf.StringVar(&f.results, "results", "", "Directory receiving result artifacts")
	pf.StringVar(&f.before, "before", "", "Name of the before dataset directory")
	pf.StringVar(&f.db, "db", "", "Run ledger database path (empty disables)")
	pf.IntVar(&f.workers, "workers", 0, "Parallel workers (0 = number of CPUs)")
	pf.Float64Var(&f.minIoU, "min-iou", 0, "Minimum IoU for a before/after match")
	pf.Float64Var(&f.minConfidence, "min-confidence", 0, "Drop detections below this confidence")
	pf.StringVar(&f.liftStrategy, "lift-strategy", "", "Pixels to lift per detection: center or box")
	pf.Float64Var(&f.eps, "eps", 0, "Clustering neighbourhood radius in meters")
	pf.IntVar(&f.minSamples, "min-samples", 0, "Clustering core point neighbourhood size")
	pf.IntVar(&f.minSupport, "min-support", 0, "Minimum cluster member count")
}

// loadConfig reads the config file and layers changed flags over it.
func (f *flags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	switch {
	case f.configPath != "":
		c, err := config.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	default:
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			c, err := config.LoadConfig(config.DefaultConfigPath)
			if err != nil {
				return nil, err
			}
			cfg = c
		} else {
			cfg = config.EmptyConfig()
		}
	}

	pf := cmd.Flags()
	o := config.EmptyConfig()
	if pf.Changed("datasets") {
		o.DatasetsPath = &f.datasets
	}
	if pf.Changed("results") {
		o.ResultsPath = &f.results
	}
	if pf.Changed("before") {
		o.BeforeName = &f.before
	}
	if pf.Changed("db") {
		o.DBPath = &f.db
	}
	if pf.Changed("workers") {
		o.Workers = &f.workers
	}
	if pf.Changed("min-iou") {
		o.MinIoU = &f.minIoU
	}
	if pf.Changed("min-confidence") {
		o.MinConfidence = &f.minConfidence
	}
	if pf.Changed("lift-strategy") {
		o.LiftStrategy = &f.liftStrategy
	}
	if pf.Changed("eps") {
		o.ClusterEps = &f.eps
	}
	if pf.Changed("min-samples") {
		o.ClusterMinSamples = &f.minSamples
	}
	if pf.Changed("min-support") {
		o.ClusterMinSupport = &f.minSupport
	}
	cfg.Merge(o)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *flags) logger() *monitoring.Logger {
	return monitoring.NewStderrLogger("[scenechange] ", f.verbose)
}

// newRunner builds a pipeline runner; the returned close func releases the
// ledger when one is configured.
func (f *flags) newRunner(cmd *cobra.Command, withLedger bool) (*pipeline.Runner, func(), error) {
	cfg, err := f.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := f.logger()

	opts := pipeline.Options{Config: cfg, Logger: logger}
	closeFn := func() {}
	if withLedger && cfg.GetDBPath() != "" {
		s, err := store.Open(cfg.GetDBPath(), logger.With("[ledger] "))
		if err != nil {
			return nil, nil, err
		}
		opts.Ledger = s
		closeFn = func() { s.Close() }
	}

	r, err := pipeline.NewRunner(opts)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return r, closeFn, nil
}

func runCommand(f *flags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Detect, lift and refine changes end to end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := f.newRunner(cmd, true)
			if err != nil {
				return err
			}
			defer closeFn()

			rep, err := r.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stdout, rep)
		},
	}
}

func detectCommand(f *flags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run 2D change detection only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := f.newRunner(cmd, false)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := r.Detect(cmd.Context())
			if err != nil {
				return err
			}
			a, d, u := res.Counts()
			fmt.Fprintf(stdout, "%s -> %s: %d images, %d skipped, %d failed; %d appeared, %d disappeared, %d unchanged\n",
				res.BeforeName, res.AfterName, len(res.Results), len(res.Skipped), len(res.Failed), a, d, u)
			return nil
		},
	}
}

func refineCommand(f *flags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "refine",
		Short: "Lift and cluster a previously written change detection result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := f.newRunner(cmd, false)
			if err != nil {
				return err
			}
			defer closeFn()

			rep, err := r.RefineFromArtifact(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stdout, rep.Clusters)
		},
	}
}

func runsCommand(f *flags, stdout io.Writer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.GetDBPath() == "" {
				return fmt.Errorf("no run ledger configured (set db_path or --db)")
			}
			s, err := store.Open(cfg.GetDBPath(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tSTARTED\tSTATUS\tDATASETS\tIMAGES\tFAILED\tCLUSTERS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s -> %s\t%d\t%d\t%d\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status,
					r.BeforeName, r.AfterName, r.Summary.Succeeded, r.Summary.Failed, r.Summary.Clusters)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list (0 = all)")
	return cmd
}

func versionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(stdout, version.String())
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
