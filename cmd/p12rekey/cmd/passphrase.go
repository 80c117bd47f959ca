package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
)

// passphrase resolves a passphrase from a flag, then an environment
// variable, then a terminal prompt. Without a terminal the passphrase is
// absent, which differs from an empty one.
func passphrase(cmd *cobra.Command, flag, env, prompt string) (pbe.Passphrase, error) {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		return pbe.New(f.Value.String()), nil
	}
	if v, ok := os.LookupEnv(env); ok {
		return pbe.New(v), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return pbe.Absent(), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return pbe.Passphrase{}, fmt.Errorf("reading passphrase: %w", err)
	}
	p := pbe.New(string(pw))
	pbe.Zero(pw)
	return p, nil
}

// vaultPassword fills in the vault password from a prompt when the vault
// importer needs one and none was configured.
func vaultPassword() error {
	if cfg.VaultPassword != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	fmt.Fprint(os.Stderr, "Vault password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading vault password: %w", err)
	}
	cfg.VaultPassword = string(pw)
	return nil
}
