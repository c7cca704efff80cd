package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	l, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l := openTestLog(t, path)

	lsn1, err := l.Append(EntryInsertNode, []byte{1, 2, 3})
	require.NoError(t, err)
	lsn2, err := l.Append(EntryUpdateNode, []byte{4, 5, 6})
	require.NoError(t, err)
	lsn3, err := l.Append(EntryDeleteNode, []byte{7, 8, 9})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), lsn1)
	assert.Equal(t, uint64(2), lsn2)
	assert.Equal(t, uint64(3), lsn3)

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EntryInsertNode, entries[0].Type)
	assert.Equal(t, []byte{1, 2, 3}, entries[0].Payload)
	assert.Equal(t, EntryUpdateNode, entries[1].Type)
	assert.Equal(t, EntryDeleteNode, entries[2].Type)
}

func TestDurabilityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	payloads := [][]byte{{1}, {2, 2}, {3, 3, 3}, {4, 4, 4, 4}}
	{
		l, err := Open(path, nil)
		require.NoError(t, err)
		for _, p := range payloads {
			_, err := l.Append(EntryInsertNode, p)
			require.NoError(t, err)
		}
		require.NoError(t, l.Flush())
		require.NoError(t, l.Close())
	}

	l := openTestLog(t, path)
	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, len(payloads))
	for i, p := range payloads {
		assert.Equal(t, uint64(i+1), entries[i].LSN)
		assert.Equal(t, p, entries[i].Payload)
	}

	// LSN continues from the last recovered entry.
	lsn, err := l.Append(EntryDeleteNode, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payloads)+1), lsn)
}

func TestCorruptedTailTruncatesRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	{
		l, err := Open(path, nil)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, err := l.Append(EntryInsertNode, []byte{byte(i)})
			require.NoError(t, err)
		}
		require.NoError(t, l.Close())
	}

	// Flip a byte near the end of the file, inside the last entry.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l := openTestLog(t, path)
	entries, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 4, "read must stop at the corrupted entry, not error")
	for i, e := range entries {
		assert.Equal(t, []byte{byte(i)}, e.Payload)
	}
}

func TestShortTailTruncatesRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	{
		l, err := Open(path, nil)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := l.Append(EntryInsertNode, []byte("payload"))
			require.NoError(t, err)
		}
		require.NoError(t, l.Close())
	}

	// Chop the file mid-record to simulate a crash during a write.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))

	l := openTestLog(t, path)
	entries, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Open recovered LSN 2, so the next append gets 3.
	lsn, err := l.Append(EntryInsertNode, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lsn)
}

func TestCheckpointTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l := openTestLog(t, path)

	_, err := l.Append(EntryInsertNode, []byte{1})
	require.NoError(t, err)
	_, err = l.Append(EntryInsertNode, []byte{2})
	require.NoError(t, err)

	cpLSN, err := l.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cpLSN)

	_, err = l.Append(EntryInsertNode, []byte{4})
	require.NoError(t, err)

	require.NoError(t, l.TruncateBefore(cpLSN))

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.GreaterOrEqual(t, e.LSN, cpLSN)
	}

	// The reopened handle keeps appending with increasing LSNs.
	lsn, err := l.Append(EntryInsertNode, []byte{5})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), lsn)
}

func TestReadFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l := openTestLog(t, path)

	for i := 0; i < 6; i++ {
		_, err := l.Append(EntryInsertNode, []byte{byte(i)})
		require.NoError(t, err)
	}

	entries, err := l.ReadFrom(4)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(4), entries[0].LSN)
}

func TestAppendTx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l := openTestLog(t, path)

	_, err := l.AppendTx(EntryTxBegin, 42, nil)
	require.NoError(t, err)
	_, err = l.AppendTx(EntryTxCommit, 42, nil)
	require.NoError(t, err)
	_, err = l.Append(EntryInsertNode, nil)
	require.NoError(t, err)

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].HasTx)
	assert.Equal(t, uint64(42), entries[0].TxID)
	assert.Equal(t, EntryTxCommit, entries[1].Type)
	assert.False(t, entries[2].HasTx)
}

func TestNoSyncModeNeedsFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := OpenWithOptions(path, false, nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(EntryInsertNode, []byte("buffered"))
	require.NoError(t, err)

	require.NoError(t, l.Flush())
	entries, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
