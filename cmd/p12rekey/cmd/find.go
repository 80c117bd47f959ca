package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/p12rekey/internal/asset"
)

var findOpts asset.ScanOptions

func init() {
	rootCmd.AddCommand(findCmd)
	flags := findCmd.Flags()
	flags.IntVar(&findOpts.MaxDepth, "depth", 3, "maximum directory depth below each root")
	flags.IntVar(&findOpts.Limit, "limit", 200, "stop after this many files")
	flags.DurationVar(&findOpts.MaxAge, "max-age", 0, "skip files older than this (e.g. 720h)")
}

var findCmd = &cobra.Command{
	Use:   "find [DIR...]",
	Short: "Look for .p12 and .pfx files in the usual places",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		roots := args
		if len(roots) == 0 {
			roots = asset.DefaultDirs()
		}
		start := time.Now()
		found, err := asset.Scan(cmd.Context(), roots, findOpts)
		if err != nil {
			return err
		}
		for _, p := range found {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		application.Log.Debug("scan finished", "roots", len(roots), "found", len(found), "took", time.Since(start))
		return nil
	},
}
