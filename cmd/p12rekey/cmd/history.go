package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of most recent runs shown")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled rekey runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if application.Journal == nil {
			return fmt.Errorf("journal disabled (journal_dir is empty)")
		}
		entries, err := application.Journal.ReadAll()
		if err != nil {
			return err
		}
		if historyLimit > 0 && len(entries) > historyLimit {
			entries = entries[len(entries)-historyLimit:]
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tOUTCOME\tSUBJECT\tTRUSTED\tSOURCE\tERROR")
		for _, e := range entries {
			errText := e.FailureKind
			if e.StoreStatus != "" {
				errText += "/" + e.StoreStatus
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", e.Timestamp,
				e.Outcome, e.Subject, e.Trusted, e.Source, errText)
		}
		return tw.Flush()
	},
}
