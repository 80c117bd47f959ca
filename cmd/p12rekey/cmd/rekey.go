package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vocdoni/gofirma/p12rekey/internal/app"
	"github.com/vocdoni/gofirma/p12rekey/internal/asset"
	"github.com/vocdoni/gofirma/p12rekey/internal/config"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
	"github.com/vocdoni/gofirma/p12rekey/internal/pipeline"
)

var (
	rekeyExt    string
	rekeySearch []string
)

func init() {
	rootCmd.AddCommand(rekeyCmd)
	flags := rekeyCmd.Flags()
	flags.StringVar(&rekeyExt, "ext", "p12", "extension appended to NAME when it has none")
	flags.StringSliceVar(&rekeySearch, "search", nil, "directories searched for NAME (default: working dir, Documents, Downloads, Desktop)")
	flags.String("old-pass", "", "passphrase protecting the source container (env P12REKEY_OLD_PASSPHRASE)")
	flags.String("new-pass", "", "passphrase for the rebuilt container (env P12REKEY_NEW_PASSPHRASE)")

	flags.String("profile", "modern", "encryption profile: modern, legacy or legacy-rc2")
	flags.Int("min-iterations", 10000, "minimum KDF iteration count")
	flags.String("friendly-name", pipeline.DefaultFriendlyName, "friendly name stored in the rebuilt container")
	flags.String("output-dir", ".", "directory the rebuilt container is written to")
	flags.String("output-name", pipeline.DefaultOutputName, "file name of the rebuilt container")
	flags.Bool("allow-ber", false, "accept BER-encoded source containers")
	flags.String("importer", config.ImporterVault, "identity store: vault, os, nss or none")
	flags.String("trust-roots", "", "PEM bundle of trust anchors")
	flags.Bool("system-roots", true, "trust the system root store")
	flags.Bool("probe", false, "sign a challenge with the imported identity")
	flags.Bool("require-passphrase", false, "refuse an empty new passphrase")

	for flag, key := range map[string]string{
		"profile":            "profile",
		"min-iterations":     "min_iterations",
		"friendly-name":      "friendly_name",
		"output-dir":         "output_dir",
		"output-name":        "output_name",
		"allow-ber":          "allow_ber",
		"importer":           "importer",
		"trust-roots":        "trust_roots",
		"system-roots":       "system_roots",
		"probe":              "probe",
		"require-passphrase": "require_passphrase",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

var rekeyCmd = &cobra.Command{
	Use:   "rekey NAME",
	Short: "Re-encrypt a PKCS#12 container under a new passphrase and import it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		dirs := rekeySearch
		if len(dirs) == 0 {
			dirs = asset.DefaultDirs()
		}
		data, path, err := asset.Read(args[0], rekeyExt, dirs)
		if err != nil {
			return err
		}

		original, err := passphrase(cmd, "old-pass", "P12REKEY_OLD_PASSPHRASE", "Current passphrase: ")
		if err != nil {
			return err
		}
		next, err := passphrase(cmd, "new-pass", "P12REKEY_NEW_PASSPHRASE", "New passphrase: ")
		if err != nil {
			return err
		}
		if cfg.Importer == config.ImporterVault {
			if err := vaultPassword(); err != nil {
				return err
			}
		}

		rep, err := application.Rekey(cmd.Context(), app.Job{
			Source:     data,
			SourceName: path,
			Original:   original,
			New:        next,
		})
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), path, rep)
		if rep.Result.Outcome() == pipeline.OutcomeFailed {
			return errors.New(failure.Message(rep.Result.Err))
		}
		return nil
	},
}

func printReport(w io.Writer, source string, rep *app.Report) {
	res := rep.Result
	fmt.Fprintf(w, "Run:         %s\n", rep.RunID)
	fmt.Fprintf(w, "Source:      %s\n", source)
	fmt.Fprintf(w, "Outcome:     %s\n", res.Outcome())
	if res.Container != nil {
		fmt.Fprintf(w, "Subject:     %s\n", res.Subject.DisplayName())
		fmt.Fprintf(w, "Fingerprint: %x\n", res.Fingerprint)
		if res.Path != "" {
			fmt.Fprintf(w, "Written to:  %s\n", res.Path)
		}
		if res.Stats.SkippedBags > 0 {
			fmt.Fprintf(w, "Skipped:     %d bags\n", res.Stats.SkippedBags)
		}
	}
	for _, it := range res.Items {
		id := ""
		if it.Identity != nil {
			id = it.Identity.ID()
		}
		fmt.Fprintf(w, "Imported:    %s %s\n", it.Label, id)
	}
	if res.Imported {
		trusted := "no"
		if res.Trust.IsTrusted {
			trusted = "yes"
		}
		fmt.Fprintf(w, "Trusted:     %s (roots: %s, chain: %d)\n", trusted, res.Trust.Roots, res.Trust.ChainLength)
		if res.Trust.Reason != "" {
			fmt.Fprintf(w, "Reason:      %s\n", res.Trust.Reason)
		}
	}
	if rep.Probed {
		if rep.ProbeErr != nil {
			fmt.Fprintf(w, "Probe:       failed: %v\n", rep.ProbeErr)
		} else {
			fmt.Fprintln(w, "Probe:       ok")
		}
	}
	if res.Err != nil {
		fmt.Fprintf(w, "Error:       %s (%s)\n", failure.Message(res.Err), failure.KindOf(res.Err))
	}
}
