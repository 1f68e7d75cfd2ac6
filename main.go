package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samuelfneumann/l2ipolicy/device"
	"github.com/samuelfneumann/l2ipolicy/estimator"
	"github.com/samuelfneumann/l2ipolicy/experiment"
	"github.com/samuelfneumann/l2ipolicy/experiment/checkpointer"
	"github.com/samuelfneumann/l2ipolicy/experiment/tracker"
	"github.com/samuelfneumann/l2ipolicy/network"
	"github.com/samuelfneumann/l2ipolicy/utils/progressbar"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// config is the configuration file format of the demo
type config struct {
	Estimator  estimator.Config
	Experiment experiment.Config
}

var rootCmd = &cobra.Command{
	Use:   "l2ipolicy",
	Short: "Attention policy estimator demo",
	Long: `Trains an attention policy estimator with REINFORCE on a synthetic
task in which a single action of a fixed observation and trip sequence
is rewarded, and reports how the probability of that action evolves.

Settings are read from an optional JSON configuration file, then from
L2I_ prefixed environment variables and finally from flags.`,
	RunE: runDemo,
}

func init() {
	defaults := defaultConfig()
	e, x := defaults.Estimator, defaults.Experiment

	flags := rootCmd.Flags()
	flags.String("config", "", "JSON configuration file")

	// Estimator settings
	flags.Float64("learning-rate", e.LearningRate, "Adam step size")
	flags.Int("trip-emb-dim", e.TripEmbDim, "Width of a trip embedding")
	flags.Int("embed-dim", e.EmbedDim, "Width of the pooled trip features")
	flags.Int("hidden-dim", e.HiddenDim, "Width of the policy hidden layer")
	flags.Int("n-act", e.NAct, "Size of the action space (n-act - 1 are modeled)")
	flags.Int("n-obs", e.NObs, "Width of an observation")
	flags.Int("heads", e.Heads, "Number of attention heads")
	flags.Float64("dropout", e.Dropout, "Dropout of the attention weights")
	flags.Int("filter-inner", e.FilterInner, "Inner width of the feed-forward block")
	flags.String("residual", string(e.Residual), "Attention residual mode (attention, discard)")
	flags.String("device", string(e.Device), "Device (auto, cpu, cuda)")

	// Experiment settings
	flags.Int("steps", x.Steps, "Number of updates")
	flags.Int("batch", x.Batch, "Batch size of each update")
	flags.Int("length", x.Length, "Trip sequence length")
	flags.Int("target", x.Target, "Rewarded action")
	flags.Float64("baseline-rate", x.BaselineRate, "Step size of the reward baseline")
	flags.Float64("advantage-clip", x.AdvantageClip, "Advantage clipping (0 disables)")
	flags.Uint64("seed", x.Seed, "Seed of the task and action sampling")

	// Output
	flags.String("data-dir", "", "Directory to save tracked data and checkpoints in")
	flags.Int("checkpoint-every", 0, "Checkpoint the estimator every n steps (0 disables)")
	flags.String("metrics-addr", "", "Address to serve Prometheus metrics on")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("progress", false, "Display a progress bar on stdout")

	// Bind flags to viper for environment variable support
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("L2I")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// progressTracker redraws a progress bar on every tracked step
type progressTracker struct {
	bar *progressbar.ProgressBar
}

func (p progressTracker) Track(s tracker.Step) {
	p.bar.Increment(s.TargetProb)
	p.bar.Display()
}

func (p progressTracker) Save() error {
	return nil
}

// defaultConfig returns the configuration used when nothing is set
func defaultConfig() config {
	e := estimator.Default(1e-3, 8, 16, 32, 5, 4)
	e.Device = device.Auto
	return config{Estimator: e, Experiment: experiment.DefaultConfig()}
}

// loadConfig builds the configuration from the configuration file,
// environment variables and flags, in increasing order of precedence
func loadConfig() (config, error) {
	c := defaultConfig()
	if filename := viper.GetString("config"); filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return c, fmt.Errorf("loadConfig: %v", err)
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("loadConfig: %v: %v", filename, err)
		}
	}

	setFloat := func(key string, dst *float64) {
		if viper.IsSet(key) {
			*dst = viper.GetFloat64(key)
		}
	}
	setInt := func(key string, dst *int) {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}

	e, x := &c.Estimator, &c.Experiment
	setFloat("learning-rate", &e.LearningRate)
	setInt("trip-emb-dim", &e.TripEmbDim)
	setInt("embed-dim", &e.EmbedDim)
	setInt("hidden-dim", &e.HiddenDim)
	setInt("n-act", &e.NAct)
	setInt("n-obs", &e.NObs)
	setInt("heads", &e.Heads)
	setFloat("dropout", &e.Dropout)
	setInt("filter-inner", &e.FilterInner)
	if viper.IsSet("residual") {
		e.Residual = network.ResidualMode(viper.GetString("residual"))
	}
	if viper.IsSet("device") {
		e.Device = device.Kind(viper.GetString("device"))
	}

	setInt("steps", &x.Steps)
	setInt("batch", &x.Batch)
	setInt("length", &x.Length)
	setInt("target", &x.Target)
	setFloat("baseline-rate", &x.BaselineRate)
	setFloat("advantage-clip", &x.AdvantageClip)
	if viper.IsSet("seed") {
		x.Seed = viper.GetUint64("seed")
	}

	if err := e.Validate(); err != nil {
		return c, fmt.Errorf("loadConfig: estimator: %v", err)
	}
	if err := x.Validate(); err != nil {
		return c, fmt.Errorf("loadConfig: experiment: %v", err)
	}
	return c, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %v", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()

	c, err := loadConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	e, err := estimator.New(c.Estimator, estimator.WithLogger(logger),
		estimator.WithRegisterer(reg))
	if err != nil {
		return err
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer server.Close()
		logger.Info().Str("addr", addr).Msg("serving metrics")
	}

	// Track the probability of the rewarded action and the loss
	dataDir := viper.GetString("data-dir")
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return err
		}
	}
	prob := tracker.NewTargetProb(filepath.Join(dataDir, "target_prob.bin"))
	loss := tracker.NewLoss(filepath.Join(dataDir, "loss.bin"))

	trackers := []tracker.Tracker{prob, loss}
	if viper.GetBool("progress") {
		bar := progressbar.New(os.Stdout, 40, c.Experiment.Steps, "target prob")
		defer bar.Close()
		trackers = append(trackers, progressTracker{bar})
	}

	var checks []checkpointer.Checkpointer
	if every := viper.GetInt("checkpoint-every"); every > 0 {
		check, err := checkpointer.NewNStep(every, e,
			checkpointer.FilenameEnumerator(0,
				filepath.Join(dataDir, "estimator"), ".bin"))
		if err != nil {
			return err
		}
		checks = append(checks, check)
	}

	exp, err := c.Experiment.CreateExp(e, c.Estimator.NObs,
		c.Estimator.TripEmbDim, logger, trackers, checks)
	if err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	logger.Info().
		Int("steps", c.Experiment.Steps).
		Int("batch", c.Experiment.Batch).
		Int("target", c.Experiment.Target).
		Msg("starting experiment")

	start := time.Now()
	if err := exp.Run(ctx); err != nil {
		return err
	}

	history := prob.Data()
	logger.Info().
		Float64("initial_target_prob", history[0]).
		Float64("final_target_prob", history[len(history)-1]).
		Dur("elapsed", time.Since(start)).
		Msg("experiment finished")

	if dataDir != "" {
		if err := exp.Save(); err != nil {
			return err
		}
		logger.Info().Str("dir", dataDir).Msg("saved tracked data")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
