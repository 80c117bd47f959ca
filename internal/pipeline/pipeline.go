// Package pipeline runs one rekey job: decode, extract, rebuild, persist,
// import and trust evaluation, delivering a single Result.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/container"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/identity"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/rekey"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/trust"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

// DefaultFriendlyName labels the rebuilt identity when the request names none.
const DefaultFriendlyName = "Friendly name"

// Request is the input of one run.
type Request struct {
	Source []byte
	// Original unlocks Source.
	Original pbe.Passphrase
	// New protects the rebuilt container. Absent is treated as empty.
	New          pbe.Passphrase
	FriendlyName string
	// OutputName is handed to the Persister.
	OutputName string
	AllowBER   bool
	Build      []rekey.BuildOption

	// Persister, Importer are optional; a nil one skips its step.
	Persister Persister
	Importer  identity.Importer
	Policy    trust.Policy

	Log *slog.Logger
}

// Outcome summarizes how a run ended.
type Outcome string

const (
	OutcomeFailed          Outcome = "failed"
	OutcomeBuilt           Outcome = "built"
	OutcomeImported        Outcome = "imported"
	OutcomeNothingImported Outcome = "nothing-imported"
)

// Result is the terminal value of a run. When Err is a PersistenceFailed
// failure every other field is still populated: the container was built
// and the remaining steps ran.
type Result struct {
	// Container is the rebuilt DER, kept even when persisting it failed.
	Container   []byte
	Path        string
	Fingerprint [32]byte
	Subject     trust.Subject
	Stats       rekey.ExtractStats

	// Imported is set once the importer accepted the container.
	Imported bool
	Items    []identity.ImportedItem
	// Trust is evaluated for the first item carrying a trust handle.
	Trust trust.Report

	Err error
}

// Outcome classifies r.
func (r Result) Outcome() Outcome {
	if r.Err != nil && (r.Container == nil || failure.KindOf(r.Err) != failure.PersistenceFailed) {
		return OutcomeFailed
	}
	switch {
	case r.Imported && len(r.Items) == 0:
		return OutcomeNothingImported
	case r.Imported:
		return OutcomeImported
	}
	return OutcomeBuilt
}

// Run executes req on the calling goroutine.
func Run(ctx context.Context, req Request) Result {
	log := req.Log
	if log == nil {
		log = slog.Default()
	}

	c, err := container.DecodeWithOptions(req.Source, container.DecodeOptions{AllowBER: req.AllowBER})
	if err != nil {
		return Result{Err: err}
	}
	m, err := rekey.Extract(c, req.Original)
	if err != nil {
		return Result{Err: err}
	}
	log.Debug("container extracted", "keyBags", m.Stats.KeyBags, "certBags", m.Stats.CertBags, "skipped", m.Stats.SkippedBags)
	if m.Stats.KeyBags > 1 {
		log.Warn("container holds several keys; using the first", "keyBags", m.Stats.KeyBags)
	}

	res := Result{
		Fingerprint: rekey.Fingerprint(m.Leaf),
		Subject:     trust.DescribeSubject(m.Leaf),
		Stats:       m.Stats,
	}

	target := req.New
	if target.IsAbsent() {
		target = pbe.New("")
	}
	if target.IsEmpty() {
		log.Warn("rebuilt container is protected by an empty passphrase")
	}
	name := req.FriendlyName
	if name == "" {
		name = DefaultFriendlyName
	}
	_, der, err := rekey.Build(m, target, name, req.Build...)
	m.Zero()
	if err != nil {
		res.Err = err
		return res
	}
	res.Container = der
	log.Debug("container rebuilt", "bytes", len(der))

	if req.Persister != nil {
		path, err := req.Persister.Persist(ctx, req.OutputName, der)
		if err != nil {
			res.Err = failure.New(failure.PersistenceFailed, "persist", err)
			log.Error("rebuilt container not saved", "error", err)
		} else {
			res.Path = path
		}
	}

	if req.Importer == nil {
		return res
	}
	items, err := req.Importer.Import(ctx, der, target)
	if err != nil {
		res.Err = asRejected(err)
		return res
	}
	res.Imported, res.Items = true, items

	var th trust.Handle
	for _, it := range items {
		if it.Trust != nil {
			th = it.Trust
			break
		}
	}
	res.Trust = trust.Evaluate(ctx, th, req.Policy)
	return res
}

// asRejected makes sure an importer failure surfaces as ImportRejected.
func asRejected(err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Kind == failure.ImportRejected {
		return err
	}
	return failure.Rejected("import", "", err)
}

// Future delivers the Result of a run started with Start.
type Future struct {
	done chan struct{}
	res  Result
}

// Start runs req on its own goroutine. The returned Future may be dropped.
func Start(ctx context.Context, req Request) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.res = Run(ctx, req)
	}()
	return f
}

// Done is closed once the Result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the run finishes or ctx is done. The run itself is not
// interrupted by ctx.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
