package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-rename/internal/gguf"
	"github.com/23skdu/quarrel-rename/internal/model"
)

func newInspectCmd(a *app) *cobra.Command {
	var tokens int
	var lookup []string
	cmd := &cobra.Command{
		Use:   "inspect <model.gguf>",
		Short: "Print a model's hyper-parameters, tensors and vocabulary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], tokens, lookup)
		},
	}
	cmd.Flags().IntVar(&tokens, "tokens", 20, "Number of vocabulary entries to list")
	cmd.Flags().StringSliceVar(&lookup, "lookup", nil, "Subtokens to print the ids of")
	return cmd
}

func runInspect(cmd *cobra.Command, path string, tokens int, lookup []string) error {
	m, err := model.Load(path)
	if err != nil {
		return err
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := cmd.OutOrStdout()
	h := m.Hyper
	fmt.Fprintf(w, "=== %s ===\n", path)
	fmt.Fprintf(w, "GGUF version:   %d\n", f.Header.Version)
	fmt.Fprintf(w, "encoding size:  %d\n", h.EncodingSize)
	fmt.Fprintf(w, "hidden size:    %d\n", h.HiddenSize)
	fmt.Fprintf(w, "input feed:     %v\n", h.InputFeed)
	fmt.Fprintf(w, "attention:      %v\n", h.Attention)
	if h.AttentionTarget != "" {
		fmt.Fprintf(w, "attention on:   %s\n", h.AttentionTarget)
	}
	fmt.Fprintf(w, "dropout:        %g\n", h.Dropout)

	fmt.Fprintln(w, "\n=== Tensors ===")
	infos := append([]*gguf.TensorInfo(nil), f.Tensors...)
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	for _, t := range infos {
		rows, cols := t.Shape()
		fmt.Fprintf(w, "%-28s %-4s %6d x %-6d\n", t.Name, t.Type, rows, cols)
	}

	v := m.Vocab
	fmt.Fprintf(w, "\n=== Vocabulary (%d tokens) ===\n", v.Size())
	fmt.Fprintf(w, "same-variable id: %d\n", v.SameVariableID())
	fmt.Fprintf(w, "end-of-variable id: %d\n", v.EndOfVariableID())
	for id := 0; id < v.Size() && id < tokens; id++ {
		tok, _ := v.Token(id)
		fmt.Fprintf(w, "%6d %q\n", id, tok)
	}
	if len(lookup) > 0 {
		fmt.Fprintln(w, "\n=== Lookup ===")
	}
	for _, tok := range lookup {
		if id, ok := v.ID(tok); ok {
			fmt.Fprintf(w, "%q %d\n", tok, id)
		} else {
			fmt.Fprintf(w, "%q not in vocabulary\n", tok)
		}
	}
	return nil
}
