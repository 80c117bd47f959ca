// Package storage keeps the run journal: one JSON line per rekey run.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const journalFile = "runs.jsonl"

// Entry records one run. It never holds passphrases or key bytes.
type Entry struct {
	Timestamp    string `json:"timestamp"`
	RunID        string `json:"runId"`
	Source       string `json:"source,omitempty"`
	Output       string `json:"output,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Outcome      string `json:"outcome"`
	FailureKind  string `json:"failureKind,omitempty"`
	StoreStatus  string `json:"storeStatus,omitempty"`
	Error        string `json:"error,omitempty"`
	Items        int    `json:"items"`
	Trusted      bool   `json:"trusted"`
	TrustReason  string `json:"trustReason,omitempty"`
	TrustedRoots string `json:"trustedRoots,omitempty"`
}

// Journal appends entries to <dir>/runs.jsonl.
type Journal struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

func NewJournal(dir string, log *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Journal{path: filepath.Join(dir, journalFile), log: log}, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Append stamps e with the current time unless it already carries one and
// writes it as a single line.
func (j *Journal) Append(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	_, err = f.Write(append(data, '\n'))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.log.Debug("journal entry written", "runId", e.RunID, "outcome", e.Outcome)
	return nil
}

// ReadAll returns every decodable entry, oldest first. Corrupt lines are
// skipped.
func (j *Journal) ReadAll() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	entries := []Entry{}
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			j.log.Warn("skipping corrupt journal line", "line", line, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}
