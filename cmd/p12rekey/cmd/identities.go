package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/identity"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/trust"
)

func init() {
	rootCmd.AddCommand(identitiesCmd)
	identitiesCmd.AddCommand(identitiesListCmd, identitiesDeleteCmd, identitiesProbeCmd, identitiesNSSCmd)
}

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Manage identities imported into the vault",
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vault identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		v, err := openVault()
		if err != nil {
			return err
		}
		ids, err := v.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSUBJECT\tEXPIRES\tIMPORTED")
		for _, id := range ids {
			subj := trust.DescribeSubject(id.Cert)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id.ID, id.FriendlyName, subj.DisplayName(),
				subj.NotAfter.Format("2006-01-02"), id.ImportedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var identitiesDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a vault identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		v, err := openVault()
		if err != nil {
			return err
		}
		return v.Delete(cmd.Context(), args[0])
	},
}

var identitiesProbeCmd = &cobra.Command{
	Use:   "probe ID",
	Short: "Sign a challenge with a vault identity to prove the key is usable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		v, err := openVault()
		if err != nil {
			return err
		}
		h, err := v.Handle(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := identity.Probe(h); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

var identitiesNSSCmd = &cobra.Command{
	Use:   "nss",
	Short: "List the NSS databases identities can be imported into",
	RunE: func(cmd *cobra.Command, args []string) error {
		stores := application.NSSStores()
		if len(stores) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no NSS library or database found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LABEL\tPROFILE\tLIBRARY\tUSABLE")
		for _, s := range stores {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", s.Label, s.ProfileDir, s.LibPath, s.Available())
		}
		return tw.Flush()
	},
}

func openVault() (*identity.VaultStore, error) {
	if err := vaultPassword(); err != nil {
		return nil, err
	}
	return application.Vault()
}
