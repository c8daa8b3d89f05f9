package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-rename/internal/config"
	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/decoder"
	"github.com/23skdu/quarrel-rename/internal/encoding"
	"github.com/23skdu/quarrel-rename/internal/model"
	"github.com/23skdu/quarrel-rename/internal/service"
	"github.com/23skdu/quarrel-rename/internal/store"
)

type decodeFlags struct {
	input       string
	output      string
	modelPath   string
	encodings   string
	flightAddr  string
	storePath   string
	beamSize    int
	maxSteps    int
	batchSize   int
	independent bool
	metricsAddr string
}

func newDecodeCmd(a *app) *cobra.Command {
	f := &decodeFlags{}
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Rename the variables of every function in a dataset",
		Example: `  quarrel-rename decode --model rename.gguf --input functions.jsonl.gz --encodings batch.arrow
  quarrel-rename decode --model rename.gguf --input functions.jsonl --flight encoder:3000 --store runs.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.apply(cmd, &a.cfg)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return runDecode(cmd, a.cfg, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "Functions as jsonl or jsonl.gz (required)")
	fl.StringVarP(&f.output, "output", "o", "", "Write results here instead of stdout")
	fl.StringVarP(&f.modelPath, "model", "m", "", "GGUF model file")
	fl.StringVar(&f.encodings, "encodings", "", "Arrow IPC file holding precomputed encodings")
	fl.StringVar(&f.flightAddr, "flight", "", "Address of an Arrow Flight encoder")
	fl.StringVar(&f.storePath, "store", "", "SQLite database for predictions")
	fl.IntVar(&f.beamSize, "beam-size", 0, "Beam width")
	fl.IntVar(&f.maxSteps, "max-steps", 0, "Maximum decoding steps")
	fl.IntVar(&f.batchSize, "batch-size", 0, "Functions per decode batch")
	fl.BoolVar(&f.independent, "independent", false, "Reset decoder state between variables")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Address for /metrics (empty disables)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// apply lets explicitly set flags win over the config file.
func (f *decodeFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("model") {
		cfg.Decoder.ModelPath = f.modelPath
	}
	if fl.Changed("encodings") {
		cfg.Encoder.Source = config.EncoderArrowFile
		cfg.Encoder.Path = f.encodings
	}
	if fl.Changed("flight") {
		cfg.Encoder.Source = config.EncoderFlight
		cfg.Encoder.Address = f.flightAddr
	}
	if fl.Changed("store") {
		cfg.Store.Path = f.storePath
	}
	if fl.Changed("beam-size") {
		cfg.Decoder.BeamSize = f.beamSize
	}
	if fl.Changed("max-steps") {
		cfg.Decoder.MaxPredictionTimeStep = f.maxSteps
	}
	if fl.Changed("batch-size") {
		cfg.Runtime.BatchSize = f.batchSize
	}
	if fl.Changed("independent") {
		cfg.Decoder.IndependentPredictionForEachVariable = f.independent
	}
	if fl.Changed("metrics-addr") {
		cfg.Runtime.MetricsAddr = f.metricsAddr
	}
}

func runDecode(cmd *cobra.Command, cfg config.Config, f *decodeFlags) error {
	if cfg.Decoder.ModelPath == "" {
		return fmt.Errorf("a model is required (--model or decoder.model)")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveMetrics(cfg.Runtime.MetricsAddr)

	fns, err := dataset.ReadFile(f.input)
	if err != nil {
		return err
	}
	m, err := model.Load(cfg.Decoder.ModelPath)
	if err != nil {
		return err
	}
	dec, err := decoder.New(m, decoder.Options{
		BeamSize:                             cfg.Decoder.BeamSize,
		MaxSteps:                             cfg.Decoder.MaxPredictionTimeStep,
		IndependentPredictionForEachVariable: cfg.Decoder.IndependentPredictionForEachVariable,
	})
	if err != nil {
		return err
	}

	enc, closeEnc, err := openEncoder(cfg)
	if err != nil {
		return err
	}
	defer closeEnc()

	opts := service.Options{
		BatchSize:   cfg.Runtime.BatchSize,
		ModelPath:   cfg.Decoder.ModelPath,
		BeamSize:    cfg.Decoder.BeamSize,
		Independent: cfg.Decoder.IndependentPredictionForEachVariable,
	}
	if cfg.Store.Path != "" {
		s, err := store.NewStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer s.Close()
		opts.Store = s
	}

	r, err := service.NewRenamer(enc, dec, opts)
	if err != nil {
		return err
	}
	out, err := r.Rename(ctx, fns)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), f.output, out)
}

func openEncoder(cfg config.Config) (encoding.Encoder, func(), error) {
	if cfg.IsFlight() {
		timeout := time.Duration(cfg.Encoder.TimeoutSeconds) * time.Second
		e, err := encoding.NewFlightEncoder(cfg.Encoder.Address, cfg.Decoder.AttentionTarget, timeout)
		if err != nil {
			return nil, nil, err
		}
		return e, func() { e.Close() }, nil
	}
	if cfg.Encoder.Path == "" {
		return nil, nil, fmt.Errorf("an encodings file is required (--encodings or encoder.path)")
	}
	e, err := encoding.NewArrowFileEncoder(cfg.Encoder.Path)
	if err != nil {
		return nil, nil, err
	}
	return e, func() {}, nil
}

func writeOutput(stdout io.Writer, path string, out service.Output) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
