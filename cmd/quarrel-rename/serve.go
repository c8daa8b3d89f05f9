package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-rename/internal/encoding"
	"github.com/23skdu/quarrel-rename/internal/logger"
)

func newServeEncodingsCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-encodings <encodings.arrow>",
		Short: "Serve precomputed encodings over Arrow Flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := encoding.ReadArrowFile(args[0])
			if err != nil {
				return err
			}
			srv, err := encoding.Serve(addr, table)
			if err != nil {
				return err
			}
			serveMetrics(a.cfg.Runtime.MetricsAddr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Log.Info("Interrupt received, shutting down...")
			srv.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:3000", "Listen address")
	return cmd
}
