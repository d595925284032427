package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/objones25/knnsweep/internal/config"
	"github.com/objones25/knnsweep/internal/dataset"
	"github.com/objones25/knnsweep/internal/output"
	"github.com/objones25/knnsweep/internal/sweep"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// options mirrors the command line. Only flags the user set override the config file.
type options struct {
	configPath  string
	method      string
	train       string
	test        string
	label       string
	trainPct    int
	testPct     int
	k           int
	sweep       bool
	kSweep      string
	beta        int
	betaSweep   string
	workers     int
	perClass    bool
	outDir      string
	prefix      string
	redisAddr   string
	submission  string
	logLevel    string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	cmd, _ := newCommand()
	return cmd
}

func newCommand() (*cobra.Command, *options) {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "knnsweep",
		Short: "Evaluate kNN and PCA+kNN classifiers over k and beta grids",
		Long: `knnsweep fits the expensive stages once per run and evaluates every
(k, beta) point of a sweep against them, writing one CSV per beta pass.
Without a sweep it classifies the test set at a single point and writes the predictions.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, o)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	f.StringVarP(&o.method, "method", "m", "knn", "classification method: knn (0) or pca-knn (1)")
	f.StringVarP(&o.train, "input", "i", "", "training CSV, also the partition source with --train-percent")
	f.StringVarP(&o.test, "query", "q", "", "test CSV")
	f.StringVar(&o.label, "label", "label", "label column name")
	f.IntVar(&o.trainPct, "train-percent", 0, "share of the input used for training, from the start")
	f.IntVar(&o.testPct, "test-percent", 0, "share of the input used for testing, from the end")
	f.IntVarP(&o.k, "k", "k", 24, "number of neighbors outside a k sweep")
	f.BoolVarP(&o.sweep, "sweep", "s", false, "sweep k over the default range 1:2000:2")
	f.StringVar(&o.kSweep, "k-sweep", "", "k sweep as start:end[:step], end exclusive")
	f.IntVarP(&o.beta, "beta", "b", 55, "PCA dimension outside a beta sweep")
	f.StringVar(&o.betaSweep, "beta-sweep", "", "beta sweep as start:end[:step], end exclusive")
	f.IntVar(&o.workers, "workers", 0, "neighbor search workers, 0 for one per CPU")
	f.BoolVar(&o.perClass, "per-class", false, "add per-class recall and F1 columns")
	f.StringVarP(&o.outDir, "output", "o", "data/tests", "output directory")
	f.StringVar(&o.prefix, "prefix", "result", "output file prefix")
	f.StringVar(&o.submission, "submission", "", "write an ImageId,Label file for an unlabelled test set")
	f.StringVar(&o.redisAddr, "redis-addr", "", "publish reports to this Redis server")
	f.StringVar(&o.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	return cmd, o
}

// buildConfig layers set flags over the config file over the defaults.
func buildConfig(cmd *cobra.Command, o *options) (config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfg.Log = cfg.Log.WithEnv()

	changed := cmd.Flags().Changed
	if changed("method") {
		m, err := config.ParseMethod(o.method)
		if err != nil {
			return cfg, err
		}
		cfg.Method = m
	}
	if changed("input") {
		cfg.Data.Train = o.train
	}
	if changed("query") {
		cfg.Data.Test = o.test
	}
	if changed("label") {
		cfg.Data.LabelColumn = o.label
	}
	if changed("train-percent") {
		cfg.Data.TrainPercent = &o.trainPct
	}
	if changed("test-percent") {
		cfg.Data.TestPercent = &o.testPct
	}
	if changed("k") {
		cfg.KNN.K = o.k
	}
	if o.sweep && cfg.KNN.Sweep == nil {
		r := config.DefaultKSweep()
		cfg.KNN.Sweep = &r
	}
	if changed("k-sweep") {
		r, err := config.ParseRange(o.kSweep)
		if err != nil {
			return cfg, fmt.Errorf("--k-sweep: %w", err)
		}
		cfg.KNN.Sweep = &r
	}
	if changed("beta") {
		cfg.PCA.Beta = o.beta
	}
	if changed("beta-sweep") {
		r, err := config.ParseRange(o.betaSweep)
		if err != nil {
			return cfg, fmt.Errorf("--beta-sweep: %w", err)
		}
		cfg.PCA.Sweep = &r
	}
	if changed("workers") {
		cfg.KNN.Workers = o.workers
	}
	if changed("per-class") {
		cfg.Output.PerClass = o.perClass
	}
	if changed("output") {
		cfg.Output.Dir = o.outDir
	}
	if changed("prefix") {
		cfg.Output.Prefix = o.prefix
	}
	if changed("submission") {
		cfg.Output.Submission = o.submission
		cfg.Data.UnlabelledTest = true
	}
	if changed("redis-addr") {
		cfg.Output.Redis.Addr = o.redisAddr
	}
	if changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}

	return cfg, cfg.Validate()
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := cfg.ParseLevel()
	if err != nil {
		return zerolog.Nop(), err
	}
	var logger zerolog.Logger
	if cfg.Console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	log.Logger = logger

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := output.EnsureDir(cfg.Output.Dir); err != nil {
		return err
	}
	train, test, err := dataset.Load(cfg.Data)
	if err != nil {
		return err
	}

	csvWriter := output.NewCSVWriter(cfg.Output.Dir, cfg.Output.Prefix)
	var publisher *output.RedisPublisher
	if cfg.Output.Redis.Addr != "" {
		publisher, err = output.NewRedisPublisher(cfg.Output.Redis, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
	}

	var predictions sweep.PredictionWriter = csvWriter
	if cfg.Output.Submission != "" {
		if err := output.EnsureDir(filepath.Dir(cfg.Output.Submission)); err != nil {
			return err
		}
		predictions = output.NewSubmissionWriter(cfg.Output.Submission)
	}

	reports := output.Multi(csvWriter)
	if publisher != nil {
		reports = output.Multi(csvWriter, publisher)
	}

	logger.Info().
		Str("method", cfg.Method.String()).
		Int("train_rows", train.Len()).
		Int("test_rows", test.Len()).
		Int("features", train.Width()).
		Bool("sweep", cfg.Sweeping()).
		Msg("Starting run")

	exec := sweep.New(cfg,
		sweep.WithLogger(logger),
		sweep.WithReportWriter(reports),
		sweep.WithPredictionWriter(predictions),
	)
	return exec.Execute(ctx, train, test)
}
