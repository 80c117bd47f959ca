package cmd

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/container"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/rekey"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/trust"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().String("pass", "", "passphrase; decrypts and lists the key material (env P12REKEY_OLD_PASSPHRASE)")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Show the structure of a PKCS#12 container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		c, err := container.DecodeWithOptions(data, container.DecodeOptions{AllowBER: cfg.AllowBER})
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		printContainer(w, c)

		// Without a passphrase only the outer structure is shown.
		p := pbe.Absent()
		if f := cmd.Flags().Lookup("pass"); f.Changed {
			p = pbe.New(f.Value.String())
		} else if v, ok := os.LookupEnv("P12REKEY_OLD_PASSPHRASE"); ok {
			p = pbe.New(v)
		}
		if p.IsAbsent() {
			return nil
		}
		m, err := rekey.Extract(c, p)
		if err != nil {
			return err
		}
		defer m.Zero()
		printMaterial(w, m)
		return nil
	},
}

func printContainer(w io.Writer, c *container.Container) {
	fmt.Fprintf(w, "Version: %d\n", c.Version)
	if c.MacData != nil {
		fmt.Fprintf(w, "MAC:     %s, %d iterations, salt %s\n",
			pbe.AlgorithmName(c.MacData.Algorithm.Algorithm), c.MacData.Iterations, hex.EncodeToString(c.MacData.Salt))
	} else {
		fmt.Fprintln(w, "MAC:     none")
	}
	fmt.Fprintf(w, "Safes:   %d\n", len(c.AuthSafe))
	for i, ci := range c.AuthSafe {
		switch {
		case ci.IsEncrypted():
			fmt.Fprintf(w, "  #%d encrypted, %s, %d bytes\n", i+1, pbe.Describe(ci.Algorithm), len(ci.EncryptedContent))
		case ci.ContentType.Equal(container.OIDData):
			fmt.Fprintf(w, "  #%d plain", i+1)
			if bags, err := c.ParseSafeContents(ci.Content); err == nil {
				fmt.Fprintf(w, ", %d bags", len(bags))
				for _, bag := range bags {
					if bag.ID.Equal(container.OIDPKCS8ShroudedKeyBag) {
						if alg, _, err := container.ParseEncryptedPrivateKeyInfo(bag.Value); err == nil {
							fmt.Fprintf(w, ", key %s", pbe.Describe(alg))
						}
					}
				}
			}
			fmt.Fprintln(w)
		default:
			fmt.Fprintf(w, "  #%d unsupported content type %s\n", i+1, ci.ContentType)
		}
	}
}

func printMaterial(w io.Writer, m *rekey.KeyMaterial) {
	subj := trust.DescribeSubject(m.Leaf)
	fp := rekey.Fingerprint(m.Leaf)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Key:           %T\n", m.PrivateKey.Public())
	fmt.Fprintf(w, "Friendly name: %s\n", m.FriendlyName)
	if len(m.LocalKeyID) > 0 {
		fmt.Fprintf(w, "Local key ID:  %s\n", hex.EncodeToString(m.LocalKeyID))
	}
	fmt.Fprintf(w, "Bags:          %d key, %d certificate, %d skipped\n", m.Stats.KeyBags, m.Stats.CertBags, m.Stats.SkippedBags)
	fmt.Fprintf(w, "Leaf:          %s\n", subj.DisplayName())
	if subj.Person.Value != "" {
		fmt.Fprintf(w, "  Identifier:  %s\n", subj.Person)
	}
	if subj.Organization != "" {
		fmt.Fprintf(w, "  Organization: %s\n", subj.Organization)
	}
	fmt.Fprintf(w, "  Issuer:      %s\n", subj.Issuer)
	fmt.Fprintf(w, "  Not after:   %s\n", subj.NotAfter.Format("2006-01-02"))
	fmt.Fprintf(w, "  SHA-256:     %s\n", hex.EncodeToString(fp[:]))
	for i, cert := range m.SortedChain() {
		fmt.Fprintf(w, "Chain #%d:      %s%s\n", i+1, cert.Subject.CommonName, selfSigned(cert))
	}
}

func selfSigned(cert *x509.Certificate) string {
	if cert.CheckSignatureFrom(cert) == nil {
		return " (self-signed)"
	}
	return ""
}
