package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sanonone/graphsync/pkg/diagramtext"
)

var fmtCmd = &cobra.Command{
	Use:   "fmt [flags] <file|->",
	Short: "Print the canonical text of a diagram file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFmt,
}

func init() {
	fmtCmd.Flags().Bool("check", false, "fail if the file is not in canonical form")
	fmtCmd.Flags().Bool("write", false, "rewrite the file in place")
}

func runFmt(cmd *cobra.Command, args []string) error {
	check, _ := cmd.Flags().GetBool("check")
	write, _ := cmd.Flags().GetBool("write")
	if write && args[0] == "-" {
		return fmt.Errorf("fmt: --write needs a file")
	}

	var (
		src []byte
		err error
	)
	if args[0] == "-" {
		src, err = io.ReadAll(cmd.InOrStdin())
	} else {
		src, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("fmt: %w", err)
	}

	res, err := diagramtext.Parse(string(src))
	if err != nil {
		return fmt.Errorf("fmt: %s: %w", args[0], err)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: warning: %s\n", args[0], w)
	}
	out, err := diagramtext.Format(res.Document)
	if err != nil {
		return fmt.Errorf("fmt: %s: %w", args[0], err)
	}

	switch {
	case check:
		if out != string(src) {
			return fmt.Errorf("fmt: %s is not in canonical form", args[0])
		}
		return nil
	case write:
		if out == string(src) {
			return nil
		}
		return os.WriteFile(args[0], []byte(out), 0644)
	default:
		_, err = io.WriteString(cmd.OutOrStdout(), out)
		return err
	}
}
