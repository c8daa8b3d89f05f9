package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-rename/internal/config"
	"github.com/23skdu/quarrel-rename/internal/logger"
)

type app struct {
	cfgFile  string
	logLevel string
	cfg      config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "quarrel-rename",
		Short: "Predict variable names for decompiled functions",
		Long: `quarrel-rename decodes new names for the variables of decompiled
functions with a recurrent subtoken decoder and beam search.

Context encodings come from an Arrow IPC file or a remote Arrow Flight
encoder; predictions are written as JSON and optionally to SQLite.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.Logging.Level = a.logLevel
			}
			logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
			logger.SetOutput(cmd.ErrOrStderr())
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newDecodeCmd(a),
		newInspectCmd(a),
		newInitModelCmd(a),
		newServeEncodingsCmd(a),
		newNormalizeCmd(a),
	)
	return root
}

// serveMetrics exposes Prometheus metrics on addr in the background. An
// empty addr disables the endpoint.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Log.Info("Metrics serving", "addr", addr, "path", "/metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server error", "err", err)
		}
	}()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
