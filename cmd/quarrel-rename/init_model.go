package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-rename/internal/logger"
	"github.com/23skdu/quarrel-rename/internal/model"
	"github.com/23skdu/quarrel-rename/internal/vocab"
)

func newInitModelCmd(a *app) *cobra.Command {
	var (
		tokensFile string
		seed       int64
		attention  bool
	)
	cmd := &cobra.Command{
		Use:   "init-model <out.gguf>",
		Short: "Write a randomly initialised model for smoke testing",
		Long: `init-model writes a model with uniformly random parameters. Sizes,
input feed and dropout come from the decoder section of the config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Decoder.Validate(); err != nil {
				return err
			}
			tokens, err := readTokens(tokensFile)
			if err != nil {
				return err
			}
			v, err := vocab.New(tokens)
			if err != nil {
				return err
			}
			d := a.cfg.Decoder
			h := model.Hyper{
				EncodingSize:    d.EncodingSize,
				HiddenSize:      d.HiddenSize,
				InputFeed:       d.InputFeed,
				Attention:       attention,
				Dropout:         d.Dropout,
				AttentionTarget: d.AttentionTarget,
			}
			m, err := model.NewRandom(h, v, seed)
			if err != nil {
				return err
			}
			if err := m.Save(args[0]); err != nil {
				return err
			}
			logger.Log.Info("Model written", "path", args[0], "vocab", v.Size(), "attention", attention)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokensFile, "tokens", "", "File with one vocabulary token per line")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().BoolVar(&attention, "attention", false, "Include attention parameters")
	return cmd
}

var reservedTokens = []string{
	vocab.PadToken,
	vocab.UnknownToken,
	vocab.SameVariableToken,
	vocab.EndOfVariableToken,
	vocab.StartOfVariableName,
}

// readTokens returns the reserved tokens followed by the file's tokens.
// Blank lines and reserved tokens in the file are skipped.
func readTokens(path string) ([]string, error) {
	tokens := append([]string(nil), reservedTokens...)
	if path == "" {
		return tokens, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tokens: %w", err)
	}
	defer fh.Close()

	seen := make(map[string]bool)
	for _, t := range reservedTokens {
		seen[t] = true
	}
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		t := strings.TrimRight(sc.Text(), "\r")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tokens = append(tokens, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", err)
	}
	return tokens, nil
}
