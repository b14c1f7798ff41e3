package cmd

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/vestsim/vestsim/sim"
	"github.com/vestsim/vestsim/sim/jobs"
	"github.com/vestsim/vestsim/sim/montecarlo"
)

var (
	scenarioPath string // Path to the YAML scenario file
	seed         int64  // Overrides the scenario seed when nonzero
	horizon      int    // Overrides the scenario horizon when positive
	logLevel     string // Log verbosity level
	jsonOutput   bool   // Emit results as JSON instead of tables

	// Monte Carlo flags
	mcTrials   int     // Number of perturbed trials
	mcVariance float64 // Perturbation scale, 0 disables
	mcWorkers  int     // Parallel trial workers

	// Batch flags
	batchWorkers int // Concurrent jobs in the batch queue
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "vestsim",
	Short: "Token unlock and sell-pressure simulator",
}

// setupLogging applies the --log flag before any command work.
func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// loadScenarioOrDie loads the scenario and applies CLI overrides.
func loadScenarioOrDie() *sim.Config {
	if scenarioPath == "" {
		logrus.Fatalf("Scenario file not provided. Exiting simulation.")
	}
	cfg, err := LoadScenario(scenarioPath)
	if err != nil {
		logrus.Fatalf("unable to read scenario config; %v", err)
	}
	if seed != 0 {
		cfg.Seed = seed
	}
	if horizon > 0 {
		cfg.HorizonMonths = horizon
	}
	return cfg
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logrus.Fatalf("encoding result: %v", err)
	}
}

// runCmd executes a single simulation from a scenario file.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one vesting simulation",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg := loadScenarioOrDie()
		cfg.MonteCarlo = nil

		logrus.Infof("Starting simulation %q: supply=%.0f, horizon=%d months, %d buckets",
			cfg.ProjectName, cfg.TotalSupply, cfg.HorizonMonths, len(cfg.Buckets))

		engine, err := sim.NewEngine(cfg)
		if err != nil {
			logrus.Fatalf("engine setup failed: %v", err)
		}
		run, err := engine.Run(context.Background(), nil)
		if err != nil {
			logrus.Fatalf("simulation failed: %v", err)
		}
		if jsonOutput {
			printJSON(run)
		} else {
			run.Print()
		}
		logrus.Info("Simulation complete.")
	},
}

// montecarloCmd executes a perturbed trial ensemble and prints percentile
// bands.
var montecarloCmd = &cobra.Command{
	Use:   "montecarlo",
	Short: "Run a Monte Carlo ensemble over a scenario",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg := loadScenarioOrDie()

		if cfg.MonteCarlo == nil {
			cfg.MonteCarlo = &sim.MonteCarloConfig{}
		}
		if mcTrials > 0 {
			cfg.MonteCarlo.NumTrials = mcTrials
		}
		if cmd.Flags().Changed("variance") {
			cfg.MonteCarlo.VarianceLevel = mcVariance
		}
		if mcWorkers > 0 {
			cfg.MonteCarlo.MaxWorkers = mcWorkers
		}
		cfg.ApplyDefaults()

		logrus.Infof("Starting Monte Carlo: %d trials, variance=%.2f, workers=%d",
			cfg.MonteCarlo.NumTrials, cfg.MonteCarlo.VarianceLevel, cfg.MonteCarlo.MaxWorkers)

		res, err := montecarlo.Run(context.Background(), cfg, nil)
		if err != nil {
			logrus.Fatalf("monte carlo failed: %v", err)
		}
		if jsonOutput {
			printJSON(res)
		} else {
			res.Print()
		}
		logrus.Info("Monte Carlo complete.")
	},
}

// batchCmd submits several scenarios through the job queue and waits for
// all of them, streaming progress at debug level. Duplicate scenarios are
// served from the result cache instead of re-running.
var batchCmd = &cobra.Command{
	Use:   "batch [scenario.yaml ...]",
	Short: "Run several scenarios concurrently through the job queue",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		queue := jobs.New(jobs.Config{MaxConcurrentJobs: batchWorkers}, jobs.NewStore())

		handles := make(map[string]string, len(args)) // job ID -> scenario path
		order := make([]string, 0, len(args))
		for _, path := range args {
			cfg, err := LoadScenario(path)
			if err != nil {
				logrus.Fatalf("unable to read scenario config; %v", err)
			}
			h, err := queue.Submit(cfg)
			if err != nil {
				logrus.Fatalf("submitting %s: %v", path, err)
			}
			if h.Cached {
				logrus.Infof("%s: duplicate of already submitted scenario, reusing job %s", path, h.JobID)
			}
			if _, seen := handles[h.JobID]; !seen {
				order = append(order, h.JobID)
			}
			handles[h.JobID] = path
		}

		for _, id := range order {
			path := handles[id]
			events, cancel, err := queue.Subscribe(id)
			if err != nil {
				logrus.Fatalf("subscribing to job %s: %v", id, err)
			}
			for ev := range events {
				if ev.Type == jobs.EventProgress {
					logrus.Debugf("%s: month %d/%d (%.1f%%)", path, ev.CurrentMonth, ev.TotalMonths, ev.ProgressPct)
				}
			}
			cancel()

			outcome, err := queue.Results(id)
			if err != nil {
				logrus.Errorf("%s: %v", path, err)
				continue
			}
			logrus.Infof("=== %s ===", path)
			switch {
			case jsonOutput && outcome.Run != nil:
				printJSON(outcome.Run)
			case jsonOutput && outcome.MonteCarlo != nil:
				printJSON(outcome.MonteCarlo)
			case outcome.Run != nil:
				outcome.Run.Print()
			case outcome.MonteCarlo != nil:
				outcome.MonteCarlo.Print()
			}
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		if err := queue.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("queue shutdown: %v", err)
		}
		logrus.Info("Batch complete.")
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit results as JSON")

	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to YAML scenario file")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Seed override (0 keeps the scenario seed)")
	runCmd.Flags().IntVar(&horizon, "horizon", 0, "Horizon override in months (0 keeps the scenario horizon)")

	montecarloCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to YAML scenario file")
	montecarloCmd.Flags().Int64Var(&seed, "seed", 0, "Master seed override (0 keeps the scenario seed)")
	montecarloCmd.Flags().IntVar(&horizon, "horizon", 0, "Horizon override in months (0 keeps the scenario horizon)")
	montecarloCmd.Flags().IntVar(&mcTrials, "trials", 0, "Number of trials (0 keeps the scenario value)")
	montecarloCmd.Flags().Float64Var(&mcVariance, "variance", 0, "Perturbation variance level")
	montecarloCmd.Flags().IntVar(&mcWorkers, "workers", 0, "Parallel trial workers (0 keeps the scenario value)")

	batchCmd.Flags().IntVar(&batchWorkers, "max-jobs", 5, "Maximum concurrently running jobs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(montecarloCmd)
	rootCmd.AddCommand(batchCmd)
}
