package main

import (
	"encoding/json"
	"fmt"

	"HeimLog/internal/archive"

	"github.com/spf13/cobra"
)

type scanResult struct {
	Path        string `json:"path"`
	Checkpoint  string `json:"checkpoint,omitempty"`
	Messages    int    `json:"messages"`
	Checkpoints int    `json:"checkpoints"`
	Skipped     int    `json:"skipped"`
}

func newScanCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "scan <log>",
		Short: "Show the resume checkpoint recorded in a message log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := archive.Summarize(args[0])
			if err != nil {
				return err
			}
			res := scanResult{
				Path:        args[0],
				Checkpoint:  sum.Checkpoint,
				Messages:    sum.Messages,
				Checkpoints: sum.Checkpoints,
				Skipped:     sum.Skipped,
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			checkpoint := res.Checkpoint
			if checkpoint == "" {
				checkpoint = "none"
			}
			fmt.Fprintf(out, "log: %s\n", res.Path)
			fmt.Fprintf(out, "checkpoint: %s\n", checkpoint)
			fmt.Fprintf(out, "messages: %d\n", res.Messages)
			fmt.Fprintf(out, "checkpoints: %d\n", res.Checkpoints)
			fmt.Fprintf(out, "skipped lines: %d\n", res.Skipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}
