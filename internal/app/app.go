// Package app wires configuration, stores and the journal around the rekey
// pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/vocdoni/gofirma/p12rekey/internal/config"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/identity"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/rekey"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/trust"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
	"github.com/vocdoni/gofirma/p12rekey/internal/pipeline"
	"github.com/vocdoni/gofirma/p12rekey/internal/storage"
)

// ErrVaultPassword is returned when the vault importer is selected without a
// vault password.
var ErrVaultPassword = errors.New("vault password required (set P12REKEY_VAULT_PASSWORD)")

type App struct {
	Config  *config.Config
	Log     *slog.Logger
	Journal *storage.Journal

	vault *identity.VaultStore
}

func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log}
	if cfg.JournalDir != "" {
		j, err := storage.NewJournal(cfg.JournalDir, log)
		if err != nil {
			return nil, err
		}
		a.Journal = j
	}
	return a, nil
}

// Vault opens the configured vault on first use.
func (a *App) Vault() (*identity.VaultStore, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	if a.Config.VaultPassword == "" {
		return nil, ErrVaultPassword
	}
	v, err := identity.NewVaultStore(a.Config.VaultDir, []byte(a.Config.VaultPassword), a.Log)
	if err != nil {
		return nil, err
	}
	a.vault = v
	return v, nil
}

// Importer returns the identity store selected by the configuration, or nil
// for "none".
func (a *App) Importer() (identity.Importer, error) {
	switch a.Config.Importer {
	case config.ImporterVault:
		return a.Vault()
	case config.ImporterOS:
		s := &identity.OSStore{Label: "system", Log: a.Log}
		if !s.Available() {
			return nil, failure.Rejected("system store", identity.StatusUnavailable, identity.ErrStoreUnavailable)
		}
		return s, nil
	case config.ImporterNSS:
		return a.nssStore()
	case config.ImporterNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown importer %q", a.Config.Importer)
}

// NSSStores lists an import target per NSS database found for the user.
func (a *App) NSSStores() []*identity.NSSStore {
	lib := a.Config.NSSLib
	if lib == "" {
		lib = identity.FindNSSLibrary()
	}
	if lib == "" {
		return nil
	}
	var out []*identity.NSSStore
	for _, p := range identity.NSSProfiles() {
		out = append(out, &identity.NSSStore{LibPath: lib, ProfileDir: p.Dir, Label: p.Label, Log: a.Log})
	}
	return out
}

func (a *App) nssStore() (*identity.NSSStore, error) {
	if a.Config.NSSProfile != "" {
		lib := a.Config.NSSLib
		if lib == "" {
			lib = identity.FindNSSLibrary()
		}
		s := &identity.NSSStore{LibPath: lib, ProfileDir: a.Config.NSSProfile, Label: "configured", Log: a.Log}
		if !s.Available() {
			return nil, failure.Rejected("nss store", identity.StatusUnavailable, identity.ErrStoreUnavailable)
		}
		return s, nil
	}
	stores := a.NSSStores()
	for _, s := range stores {
		if s.Available() {
			return s, nil
		}
	}
	return nil, failure.Rejected("nss store", identity.StatusUnavailable, identity.ErrStoreUnavailable)
}

// Policy builds the trust policy from the configured root bundle and the
// system roots switch.
func (a *App) Policy() (trust.Policy, error) {
	p := trust.Policy{UseSystemRoots: a.Config.SystemRoots}
	if a.Config.TrustRoots == "" {
		return p, nil
	}
	data, err := os.ReadFile(a.Config.TrustRoots)
	if err != nil {
		return p, fmt.Errorf("read trust roots: %w", err)
	}
	pool, err := trust.LoadRoots(data)
	if err != nil {
		return p, fmt.Errorf("load trust roots %s: %w", a.Config.TrustRoots, err)
	}
	p.Roots = pool
	return p, nil
}

// BuildOptions maps the configuration onto builder options.
func (a *App) BuildOptions() ([]rekey.BuildOption, error) {
	profile, err := rekey.ParseProfile(a.Config.Profile)
	if err != nil {
		return nil, err
	}
	return []rekey.BuildOption{
		rekey.WithProfile(profile),
		rekey.WithMinIterations(a.Config.MinIterations),
	}, nil
}

// Job is one rekey invocation.
type Job struct {
	Source     []byte
	SourceName string
	Original   pbe.Passphrase
	New        pbe.Passphrase
}

// Report is what a run produced, as recorded in the journal.
type Report struct {
	RunID  string
	Result pipeline.Result
	// ProbeErr is the proof-of-possession outcome when probing was enabled
	// and an identity came back.
	Probed   bool
	ProbeErr error
}

// Rekey runs the pipeline for job, probes the imported identity when asked
// to and journals the run. Setup errors are returned; pipeline failures are
// in Report.Result.Err.
func (a *App) Rekey(ctx context.Context, job Job) (*Report, error) {
	if a.Config.RequirePassphrase && (job.New.IsAbsent() || job.New.IsEmpty()) {
		return nil, errors.New("a non-empty new passphrase is required")
	}
	importer, err := a.Importer()
	if err != nil {
		return nil, err
	}
	policy, err := a.Policy()
	if err != nil {
		return nil, err
	}
	opts, err := a.BuildOptions()
	if err != nil {
		return nil, err
	}

	rep := &Report{RunID: uuid.NewString()}
	log := a.Log.With("runId", rep.RunID)
	req := pipeline.Request{
		Source:       job.Source,
		Original:     job.Original,
		New:          job.New,
		FriendlyName: a.Config.FriendlyName,
		OutputName:   a.Config.OutputName,
		AllowBER:     a.Config.AllowBER,
		Build:        opts,
		Persister:    pipeline.FileSink{Dir: a.Config.OutputDir},
		Importer:     importer,
		Policy:       policy,
		Log:          log,
	}

	rep.Result, err = pipeline.Start(ctx, req).Wait(ctx)
	if err != nil {
		return nil, err
	}

	if a.Config.Probe {
		for _, it := range rep.Result.Items {
			if it.Identity != nil {
				rep.Probed = true
				rep.ProbeErr = identity.Probe(it.Identity)
				break
			}
		}
	}
	a.record(job, rep, log)
	return rep, nil
}

func (a *App) record(job Job, rep *Report, log *slog.Logger) {
	if a.Journal == nil {
		return
	}
	res := rep.Result
	e := storage.Entry{
		RunID:        rep.RunID,
		Source:       job.SourceName,
		Output:       res.Path,
		Outcome:      string(res.Outcome()),
		Items:        len(res.Items),
		Trusted:      res.Trust.IsTrusted,
		TrustReason:  res.Trust.Reason,
		TrustedRoots: res.Trust.Roots,
	}
	if res.Container != nil {
		e.Fingerprint = fmt.Sprintf("%x", res.Fingerprint)
		e.Subject = res.Subject.DisplayName()
	}
	if res.Err != nil {
		e.FailureKind = failure.KindOf(res.Err).String()
		e.StoreStatus = failure.StatusOf(res.Err)
		e.Error = res.Err.Error()
	}
	if err := a.Journal.Append(e); err != nil {
		log.Warn("run not journaled", "error", err)
	}
}
