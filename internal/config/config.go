package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Attention targets understood by encoders.
const (
	AttentionTargetASTNodes      = "ast_nodes"
	AttentionTargetTerminalNodes = "terminal_nodes"
)

// Encoder sources.
const (
	EncoderArrowFile = "arrow"
	EncoderFlight    = "flight"
)

const envPrefix = "QUARREL_RENAME_"

type Config struct {
	Decoder DecoderConfig `yaml:"decoder"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Encoder EncoderConfig `yaml:"encoder"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

type DecoderConfig struct {
	ModelPath string `yaml:"model"`

	// Used when a fresh model is generated; a loaded model carries its own sizes.
	EncodingSize int     `yaml:"ast_node_encoding_size"`
	HiddenSize   int     `yaml:"hidden_size"`
	InputFeed    bool    `yaml:"input_feed"`
	Dropout      float64 `yaml:"dropout"`

	BeamSize                             int    `yaml:"beam_size"`
	MaxPredictionTimeStep                int    `yaml:"max_prediction_time_step"`
	IndependentPredictionForEachVariable bool   `yaml:"independent_prediction_for_each_variable"`
	AttentionTarget                      string `yaml:"attention_target"`
}

type RuntimeConfig struct {
	BatchSize   int    `yaml:"batch_size"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type EncoderConfig struct {
	Source  string `yaml:"source"`
	Path    string `yaml:"path"`
	Address string `yaml:"address"`
	// Seconds allowed for one remote encode call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Decoder: DecoderConfig{
			EncodingSize:          128,
			HiddenSize:            128,
			Dropout:               0.2,
			BeamSize:              5,
			MaxPredictionTimeStep: 5000,
			AttentionTarget:       AttentionTargetASTNodes,
		},
		Runtime: RuntimeConfig{
			BatchSize:   32,
			MetricsAddr: ":9090",
		},
		Encoder: EncoderConfig{
			Source:         EncoderArrowFile,
			TimeoutSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML config on top of the defaults. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(envPrefix + "MODEL"); v != "" {
		c.Decoder.ModelPath = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "STORE"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(envPrefix + "FLIGHT_ADDR"); v != "" {
		c.Encoder.Source = EncoderFlight
		c.Encoder.Address = v
	}
	if v := os.Getenv(envPrefix + "BEAM_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sBEAM_SIZE %q: %w", envPrefix, v, err)
		}
		c.Decoder.BeamSize = n
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Decoder.Validate(); err != nil {
		return err
	}
	if c.Runtime.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.Runtime.BatchSize)
	}
	switch c.Encoder.Source {
	case EncoderArrowFile:
	case EncoderFlight:
		if c.Encoder.Address == "" {
			return fmt.Errorf("encoder source %q requires an address", c.Encoder.Source)
		}
		if c.Encoder.TimeoutSeconds <= 0 {
			return fmt.Errorf("invalid timeout_seconds: %d (must be positive)", c.Encoder.TimeoutSeconds)
		}
	default:
		return fmt.Errorf("invalid encoder source: %q (valid: %s, %s)", c.Encoder.Source, EncoderArrowFile, EncoderFlight)
	}
	return nil
}

func (d *DecoderConfig) Validate() error {
	if d.BeamSize <= 0 {
		return fmt.Errorf("invalid beam_size: %d (must be positive)", d.BeamSize)
	}
	if d.MaxPredictionTimeStep <= 0 {
		return fmt.Errorf("invalid max_prediction_time_step: %d (must be positive)", d.MaxPredictionTimeStep)
	}
	if d.EncodingSize <= 0 {
		return fmt.Errorf("invalid ast_node_encoding_size: %d (must be positive)", d.EncodingSize)
	}
	if d.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", d.HiddenSize)
	}
	if d.Dropout < 0 || d.Dropout >= 1 {
		return fmt.Errorf("invalid dropout: %f (must be in [0, 1))", d.Dropout)
	}
	switch d.AttentionTarget {
	case AttentionTargetASTNodes, AttentionTargetTerminalNodes:
	default:
		return fmt.Errorf("invalid attention_target: %q", d.AttentionTarget)
	}
	return nil
}

// IsFlight reports whether encodings are fetched from a remote service.
func (c *Config) IsFlight() bool {
	return strings.EqualFold(c.Encoder.Source, EncoderFlight)
}
