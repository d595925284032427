// Package config holds the evaluation run configuration: which pipeline to run, which
// data to load and which k and beta values to sweep.
package config

import (
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/objones25/knnsweep/internal/errdefs"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Method selects the pipeline kind. It is chosen once when the configuration is built.
type Method int

const (
	// MethodKNN runs the classifier on the raw feature space
	MethodKNN Method = iota
	// MethodPCAKNN reduces the feature space before classifying
	MethodPCAKNN
)

func (m Method) String() string {
	switch m {
	case MethodKNN:
		return "knn"
	case MethodPCAKNN:
		return "pca-knn"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// Code is the historical numeric method code used in output file names.
func (m Method) Code() int { return int(m) }

// Reduces reports whether the method has a reduction stage.
func (m Method) Reduces() bool { return m == MethodPCAKNN }

// ParseMethod accepts the method name or its numeric code.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "knn":
		return MethodKNN, nil
	case "1", "pca-knn", "pca+knn", "pca":
		return MethodPCAKNN, nil
	}
	return 0, errdefs.Newf("config.ParseMethod", errdefs.ErrConfiguration, "unknown method %q", s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Method) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseMethod(value.Value)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m Method) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Range is a half-open ascending sequence [Start, End) advancing by Step.
type Range struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
	Step  int `yaml:"step"`
}

// Validate rejects ranges that would produce no values.
func (r Range) Validate() error {
	if r.Step <= 0 {
		return errdefs.Newf("config.Range", errdefs.ErrConfiguration, "step=%d must be positive", r.Step)
	}
	if r.Start >= r.End {
		return errdefs.Newf("config.Range", errdefs.ErrConfiguration, "range [%d, %d) is empty", r.Start, r.End)
	}
	return nil
}

// All yields the values of the range lazily. The range must be valid.
func (r Range) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		for v := r.Start; v < r.End; v += r.Step {
			if !yield(v) {
				return
			}
		}
	}
}

// Len returns the number of values in a valid range.
func (r Range) Len() int {
	return (r.End - r.Start + r.Step - 1) / r.Step
}

// Max returns the largest value in a valid range.
func (r Range) Max() int {
	return r.Start + (r.Len()-1)*r.Step
}

func (r Range) String() string {
	return fmt.Sprintf("[%d:%d:%d]", r.Start, r.End, r.Step)
}

// ParseRange parses "start:end:step" (step defaults to 1).
func ParseRange(s string) (Range, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Range{}, errdefs.Newf("config.ParseRange", errdefs.ErrConfiguration, "want start:end[:step], got %q", s)
	}
	vals := []int{0, 0, 1}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Range{}, errdefs.Newf("config.ParseRange", errdefs.ErrConfiguration, "%q: %v", s, err)
		}
		vals[i] = v
	}
	return Range{Start: vals[0], End: vals[1], Step: vals[2]}, nil
}

// DataConfig selects the train and test sources
type DataConfig struct {
	Train        string `yaml:"train"`         // Training CSV, or the single input when splitting by percentage
	Test         string `yaml:"test"`          // Test CSV; must be empty when percentages are set
	TrainPercent *int   `yaml:"train_percent"` // Leading share of Train used for training
	TestPercent  *int   `yaml:"test_percent"`  // Trailing share of Train used for testing
	LabelColumn  string `yaml:"label_column"`
	// UnlabelledTest accepts a test set without the label column. Only a submission run
	// can use it, since nothing can be scored.
	UnlabelledTest bool `yaml:"unlabelled_test"`
}

// Splits reports whether train and test come from one source split by percentage.
func (d DataConfig) Splits() bool {
	return d.TrainPercent != nil || d.TestPercent != nil
}

// KNNConfig configures the classification stage
type KNNConfig struct {
	K         int    `yaml:"k"`          // Neighbor count used when no sweep is requested
	Sweep     *Range `yaml:"sweep"`      // Optional k sweep
	Workers   int    `yaml:"workers"`    // Parallelism of the neighbor search
	CacheSize int    `yaml:"cache_size"` // Number of per-k prediction vectors kept
}

// PCAConfig configures the reduction stage
type PCAConfig struct {
	Beta  int    `yaml:"beta"`  // Target dimension when no sweep is requested
	Sweep *Range `yaml:"sweep"` // Optional beta sweep
}

// RedisConfig configures the optional report publisher
type RedisConfig struct {
	Addr                 string        `yaml:"addr"`
	Password             string        `yaml:"password"`
	DB                   int           `yaml:"db"`
	KeyPrefix            string        `yaml:"key_prefix"`
	TTL                  time.Duration `yaml:"ttl"`
	CompressionThreshold int           `yaml:"compression_threshold"`
}

// OutputConfig configures where results go
type OutputConfig struct {
	Dir      string      `yaml:"dir"`
	Prefix   string      `yaml:"prefix"`    // File name prefix for sweep and prediction files
	PerClass bool        `yaml:"per_class"` // Add recall and F1 columns per class
	Redis    RedisConfig `yaml:"redis"`
	// Submission, when set, is the path of an ImageId,Label file written by a single-point run
	Submission string `yaml:"submission"`
}

// LogConfig configures logging
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// LogLevelEnv names the environment variable that overrides the configured log level.
const LogLevelEnv = "LOG_LEVEL"

// WithEnv returns l with its level replaced by LOG_LEVEL when that is set.
func (l LogConfig) WithEnv() LogConfig {
	if level := strings.TrimSpace(os.Getenv(LogLevelEnv)); level != "" {
		l.Level = level
	}
	return l
}

// ParseLevel returns the zerolog level of l. An empty level means info.
func (l LogConfig) ParseLevel() (zerolog.Level, error) {
	if l.Level == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.InfoLevel, errdefs.Newf("config.LogConfig", errdefs.ErrConfiguration, "log level %q: %v", l.Level, err)
	}
	return level, nil
}

// Config holds the full run configuration
type Config struct {
	Method      Method       `yaml:"method"`
	Data        DataConfig   `yaml:"data"`
	KNN         KNNConfig    `yaml:"knn"`
	PCA         PCAConfig    `yaml:"pca"`
	Output      OutputConfig `yaml:"output"`
	Log         LogConfig    `yaml:"log"`
	MetricsAddr string       `yaml:"metrics_addr"`
}

// DefaultConfig returns default run configuration
func DefaultConfig() Config {
	return Config{
		Method: MethodKNN,
		Data: DataConfig{
			LabelColumn: "label",
		},
		KNN: KNNConfig{
			K:         24,
			CacheSize: 64,
		},
		PCA: PCAConfig{
			Beta: 55,
		},
		Output: OutputConfig{
			Dir:    "data/tests",
			Prefix: "result",
			Redis: RedisConfig{
				KeyPrefix:            "knnsweep",
				TTL:                  24 * time.Hour,
				CompressionThreshold: 1024,
			},
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// DefaultKSweep is the historical k sweep.
func DefaultKSweep() Range {
	return Range{Start: 1, End: 2000, Step: 2}
}

// Load reads a YAML file on top of DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errdefs.Newf("config.Load", errdefs.ErrConfiguration, "%s: %v", path, err)
	}
	return cfg, nil
}

// Sweeping reports whether the run evaluates a grid rather than a single point.
func (c Config) Sweeping() bool {
	return c.KNN.Sweep != nil || (c.Method.Reduces() && c.PCA.Sweep != nil)
}

// KRange returns the k values of the run as a range; a single k becomes a one-value range.
func (c Config) KRange() Range {
	if c.KNN.Sweep != nil {
		return *c.KNN.Sweep
	}
	return Range{Start: c.KNN.K, End: c.KNN.K + 1, Step: 1}
}

// BetaRange returns the beta values of the run; ok is false when reduction is disabled.
func (c Config) BetaRange() (r Range, ok bool) {
	if !c.Method.Reduces() {
		return Range{}, false
	}
	if c.PCA.Sweep != nil {
		return *c.PCA.Sweep, true
	}
	return Range{Start: c.PCA.Beta, End: c.PCA.Beta + 1, Step: 1}, true
}

// Validate checks the configuration before anything is loaded.
func (c Config) Validate() error {
	if c.Method != MethodKNN && c.Method != MethodPCAKNN {
		return errdefs.Newf("config.Validate", errdefs.ErrConfiguration, "unknown method %d", int(c.Method))
	}
	if err := c.Data.validate(); err != nil {
		return err
	}
	if c.KNN.Sweep != nil {
		if err := c.KNN.Sweep.Validate(); err != nil {
			return fmt.Errorf("knn sweep: %w", err)
		}
	}
	if c.Method.Reduces() && c.PCA.Sweep != nil {
		if err := c.PCA.Sweep.Validate(); err != nil {
			return fmt.Errorf("pca sweep: %w", err)
		}
	}
	if c.KNN.Workers < 0 {
		return errdefs.Newf("config.Validate", errdefs.ErrConfiguration, "workers=%d must not be negative", c.KNN.Workers)
	}
	if c.Output.Dir == "" {
		return errdefs.New("config.Validate", errdefs.ErrConfiguration, "output dir is required")
	}
	if c.Output.Submission != "" && c.Sweeping() {
		return errdefs.New("config.Validate", errdefs.ErrConfiguration, "a submission is written by a single-point run, not a sweep")
	}
	if c.Data.UnlabelledTest && c.Output.Submission == "" {
		return errdefs.New("config.Validate", errdefs.ErrConfiguration, "an unlabelled test set can only produce a submission")
	}
	if _, err := c.Log.ParseLevel(); err != nil {
		return err
	}
	return nil
}

func (d DataConfig) validate() error {
	if d.Train == "" {
		return errdefs.New("config.Validate", errdefs.ErrConfiguration, "train source is required")
	}
	if d.LabelColumn == "" {
		return errdefs.New("config.Validate", errdefs.ErrConfiguration, "label column is required")
	}
	if !d.Splits() {
		if d.Test == "" {
			return errdefs.New("config.Validate", errdefs.ErrConfiguration, "test source is required without train/test percentages")
		}
		return nil
	}
	if d.TrainPercent == nil || d.TestPercent == nil {
		return errdefs.New("config.Validate", errdefs.ErrConfiguration, "train and test percentages must be supplied together")
	}
	if d.Test != "" {
		return errdefs.New("config.Validate", errdefs.ErrConfiguration, "percentages and an explicit test source are mutually exclusive")
	}
	for name, p := range map[string]int{"train": *d.TrainPercent, "test": *d.TestPercent} {
		if p < 0 || p > 100 {
			return errdefs.Newf("config.Validate", errdefs.ErrConfiguration, "%s percentage %d outside [0, 100]", name, p)
		}
	}
	return nil
}
