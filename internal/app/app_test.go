package app

import (
	"context"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/vocdoni/gofirma/p12rekey/internal/config"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
	"github.com/vocdoni/gofirma/p12rekey/internal/pipeline"
	"github.com/vocdoni/gofirma/p12rekey/internal/testutil"
)

func testConfig(t *testing.T, overrides map[string]any) *config.Config {
	t.Helper()
	dir := t.TempDir()
	v := viper.New()
	v.Set("output_dir", filepath.Join(dir, "out"))
	v.Set("vault_dir", filepath.Join(dir, "vault"))
	v.Set("journal_dir", filepath.Join(dir, "journal"))
	v.Set("vault_password", "vault-pw")
	v.Set("system_roots", false)
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestRekeyJournalsRun(t *testing.T) {
	chain := testutil.NewChain(t, "App User", 1, false)
	src, err := pkcs12.Modern2023.Encode(chain.Key, chain.Leaf, chain.CACerts(), "12345678")
	require.NoError(t, err)

	rootsFile := filepath.Join(t.TempDir(), "roots.pem")
	require.NoError(t, os.WriteFile(rootsFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain.Root.Raw}), 0o600))

	a, err := New(testConfig(t, map[string]any{"trust_roots": rootsFile, "probe": true}), nil)
	require.NoError(t, err)

	rep, err := a.Rekey(context.Background(), Job{
		Source:     src,
		SourceName: "SAMPLE.p12",
		Original:   pbe.New("12345678"),
		New:        pbe.New(""),
	})
	require.NoError(t, err)
	require.NoError(t, rep.Result.Err)
	require.Equal(t, pipeline.OutcomeImported, rep.Result.Outcome())
	require.True(t, rep.Result.Trust.IsTrusted, rep.Result.Trust.Reason)
	require.True(t, rep.Probed)
	require.NoError(t, rep.ProbeErr)
	require.FileExists(t, filepath.Join(a.Config.OutputDir, "pkcs12_data.p12"))

	vault, err := a.Vault()
	require.NoError(t, err)
	ids, err := vault.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, "Friendly name", ids[0].FriendlyName)

	entries, err := a.Journal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, rep.RunID, entries[0].RunID)
	require.Equal(t, "imported", entries[0].Outcome)
	require.Equal(t, "SAMPLE.p12", entries[0].Source)
	require.Equal(t, "App User", entries[0].Subject)
	require.True(t, entries[0].Trusted)
}

func TestRekeyJournalsFailure(t *testing.T) {
	chain := testutil.NewChain(t, "Wrong", 0, false)
	src, err := pkcs12.LegacyDES.Encode(chain.Key, chain.Leaf, nil, "right")
	require.NoError(t, err)

	a, err := New(testConfig(t, map[string]any{"importer": "none"}), nil)
	require.NoError(t, err)
	rep, err := a.Rekey(context.Background(), Job{Source: src, Original: pbe.New("wrong"), New: pbe.New("x")})
	require.NoError(t, err)
	require.ErrorIs(t, rep.Result.Err, failure.ErrIntegrityCheckFailed)

	entries, err := a.Journal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "failed", entries[0].Outcome)
	require.Equal(t, "IntegrityCheckFailed", entries[0].FailureKind)
	require.Empty(t, entries[0].Fingerprint)
}

func TestRekeyRequirePassphrase(t *testing.T) {
	a, err := New(testConfig(t, map[string]any{"require_passphrase": true, "importer": "none"}), nil)
	require.NoError(t, err)
	for _, p := range []pbe.Passphrase{pbe.New(""), pbe.Absent()} {
		_, err = a.Rekey(context.Background(), Job{Source: []byte{0x30}, Original: pbe.New("x"), New: p})
		require.Error(t, err)
	}
}

func TestImporterSelection(t *testing.T) {
	a, err := New(testConfig(t, map[string]any{"importer": "none"}), nil)
	require.NoError(t, err)
	imp, err := a.Importer()
	require.NoError(t, err)
	require.Nil(t, imp)

	cfg := testConfig(t, nil)
	cfg.VaultPassword = ""
	a, err = New(cfg, nil)
	require.NoError(t, err)
	_, err = a.Importer()
	require.ErrorIs(t, err, ErrVaultPassword)
}

func TestPolicy(t *testing.T) {
	a, err := New(testConfig(t, nil), nil)
	require.NoError(t, err)
	p, err := a.Policy()
	require.NoError(t, err)
	require.Nil(t, p.Roots)
	require.False(t, p.UseSystemRoots)

	bad := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(bad, []byte("nothing here"), 0o600))
	a.Config.TrustRoots = bad
	_, err = a.Policy()
	require.Error(t, err)
}
