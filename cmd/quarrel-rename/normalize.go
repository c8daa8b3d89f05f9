package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/logger"
)

func newNormalizeCmd(a *app) *cobra.Command {
	var compress bool
	cmd := &cobra.Command{
		Use:   "normalize <in> <out>",
		Short: "Rewrite a collected dataset as one flat function per line",
		Long: `normalize reads functions in any accepted input form and writes them as
jsonl with their keys filled in, so that encoders can be keyed the same way.
Output is gzip compressed when --gzip is set or out ends in .gz.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fns, err := dataset.ReadFile(args[0])
			if err != nil {
				return err
			}
			gz := compress || strings.HasSuffix(args[1], ".gz")
			if err := dataset.WriteFile(args[1], fns, gz); err != nil {
				return err
			}
			logger.Log.Info("Dataset normalized", "in", args[0], "out", args[1], "functions", len(fns))
			return nil
		},
	}
	cmd.Flags().BoolVar(&compress, "gzip", false, "Gzip the output")
	return cmd
}
