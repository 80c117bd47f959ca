package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournal(t *testing.T) {
	j, err := NewJournal(t.TempDir(), nil)
	require.NoError(t, err)

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, j.Append(Entry{RunID: "a", Outcome: "imported", Items: 1}))
	require.NoError(t, j.Append(Entry{RunID: "b", Outcome: "failed", FailureKind: "IntegrityCheckFailed", Timestamp: "2026-01-02T03:04:05Z"}))

	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err = j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].RunID)
	require.NotEmpty(t, entries[0].Timestamp)
	require.Equal(t, "2026-01-02T03:04:05Z", entries[1].Timestamp)
	require.Equal(t, "IntegrityCheckFailed", entries[1].FailureKind)

	st, err := os.Stat(j.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}
