// Package wal implements the per-storage-unit write-ahead log: an
// append-only file of checksummed records replayed on restart for crash
// recovery. Each log instance owns its own LSN counter, so independent
// shard logs never share sequence numbers.
package wal

import (
	"bufio"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/calyxdb/calyx/pkg/model"
)

var (
	walAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calyx_wal_appends_total",
		Help: "The total number of WAL entries appended",
	})
	walAppendBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calyx_wal_append_bytes_total",
		Help: "The total number of bytes appended to WALs",
	})
	walFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calyx_wal_flushes_total",
		Help: "The total number of WAL flushes forced to disk",
	})
)

// Log is an append-only write-ahead log backed by a single file.
//
// The append path serializes on mu so that (assign LSN, write, optional
// fsync) is atomic relative to other appends. Readers never touch the
// buffered writer: they open a fresh read of the file and therefore only
// observe already-flushed bytes.
type Log struct {
	mu   sync.Mutex
	path string

	file *os.File
	w    *bufio.Writer

	// lsn holds the last assigned LSN; Append hands out lsn+1.
	lsn      uint64
	syncMode bool

	log *logrus.Logger
}

// Open creates or opens the log at path with fsync-on-append enabled.
func Open(path string, logger *logrus.Logger) (*Log, error) {
	return OpenWithOptions(path, true, logger)
}

// OpenWithOptions opens a log with an explicit sync mode. The last written
// LSN is recovered by scanning the existing file forward entry by entry,
// stopping at the first checksum failure or truncated record.
func OpenWithOptions(path string, syncMode bool, logger *logrus.Logger) (*Log, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	l := &Log{
		path:     path,
		file:     file,
		w:        bufio.NewWriter(file),
		syncMode: syncMode,
		log:      logger,
	}

	lastLSN, err := l.findLastLSN()
	if err != nil {
		file.Close()
		return nil, err
	}
	l.lsn = lastLSN
	l.log.Debugf("WAL %s opened, next LSN %d", path, lastLSN+1)

	return l, nil
}

func (l *Log) findLastLSN() (uint64, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	var last uint64
	offset := 0
	for offset < len(data) {
		entry, n, err := decodeRecord(data[offset:])
		if err != nil {
			// Corrupted or partially written tail; everything before it
			// is trusted.
			l.log.Warnf("WAL %s: recovery stopped at offset %d: %v", l.path, offset, err)
			break
		}
		last = entry.LSN
		offset += n
	}
	return last, nil
}

// Append assigns the next LSN, writes the entry, and, in sync mode, forces
// it to stable storage before returning. The entry is never visible to
// ReadAll before its bytes are durable when sync mode is on.
func (l *Log) Append(entryType EntryType, payload []byte) (uint64, error) {
	return l.append(entryType, 0, false, payload)
}

// AppendTx appends an entry tagged with a transaction id.
func (l *Log) AppendTx(entryType EntryType, txID uint64, payload []byte) (uint64, error) {
	return l.append(entryType, txID, true, payload)
}

func (l *Log) append(entryType EntryType, txID uint64, hasTx bool, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := atomic.AddUint64(&l.lsn, 1)
	entry := Entry{
		LSN:       lsn,
		Timestamp: model.Now(),
		Type:      entryType,
		TxID:      txID,
		HasTx:     hasTx,
		Payload:   payload,
	}

	record := entry.encodeRecord()
	if _, err := l.w.Write(record); err != nil {
		return 0, err
	}
	if l.syncMode {
		if err := l.flushLocked(); err != nil {
			return 0, err
		}
	}

	walAppends.Inc()
	walAppendBytes.Add(float64(len(record)))
	return lsn, nil
}

// LogInsertNode records a node insert.
func (l *Log) LogInsertNode(node *model.Node) (uint64, error) {
	data, err := node.Encode()
	if err != nil {
		return 0, err
	}
	return l.Append(EntryInsertNode, data)
}

// LogUpdateNode records the full post-update node so replay is idempotent.
func (l *Log) LogUpdateNode(node *model.Node) (uint64, error) {
	data, err := node.Encode()
	if err != nil {
		return 0, err
	}
	return l.Append(EntryUpdateNode, data)
}

func (l *Log) LogDeleteNode(id uuid.UUID) (uint64, error) {
	return l.Append(EntryDeleteNode, id[:])
}

func (l *Log) LogInsertEdge(edge *model.Edge) (uint64, error) {
	data, err := edge.Encode()
	if err != nil {
		return 0, err
	}
	return l.Append(EntryInsertEdge, data)
}

func (l *Log) LogDeleteEdge(id uuid.UUID) (uint64, error) {
	return l.Append(EntryDeleteEdge, id[:])
}

// Checkpoint appends a checkpoint marker and returns its LSN. Entries older
// than the marker can then be reclaimed with TruncateBefore.
func (l *Log) Checkpoint() (uint64, error) {
	return l.Append(EntryCheckpoint, nil)
}

// CurrentLSN returns the last assigned LSN.
func (l *Log) CurrentLSN() uint64 {
	return atomic.LoadUint64(&l.lsn)
}

// ReadAll replays the file from offset 0, verifying each entry's checksum.
// A checksum mismatch or short read stops replay at that point: a corrupted
// tail does not fail the whole read, it just truncates it, and everything
// read before the corruption is returned.
func (l *Log) ReadAll() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	offset := 0
	for offset < len(data) {
		entry, n, err := decodeRecord(data[offset:])
		if err != nil {
			l.log.Warnf("WAL %s: read stopped at offset %d after %d entries: %v",
				l.path, offset, len(entries), err)
			break
		}
		entries = append(entries, entry)
		offset += n
	}
	return entries, nil
}

// ReadFrom returns the entries with lsn >= startLSN.
func (l *Log) ReadFrom(startLSN uint64) ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.LSN >= startLSN {
			out = append(out, e)
		}
	}
	return out, nil
}

// TruncateBefore rewrites the file keeping only entries with lsn >= lsn,
// via write-to-temp-then-atomic-rename, then reopens the live handle. This
// is how checkpointing reclaims space.
func (l *Log) TruncateBefore(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(tmp)
	offset := 0
	for offset < len(data) {
		entry, n, err := decodeRecord(data[offset:])
		if err != nil {
			break
		}
		if entry.LSN >= lsn {
			if _, err := w.Write(data[offset : offset+n]); err != nil {
				tmp.Close()
				return err
			}
		}
		offset += n
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		return err
	}

	if err := l.file.Close(); err != nil {
		return err
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = file
	l.w = bufio.NewWriter(file)

	l.log.Infof("WAL %s truncated before LSN %d", l.path, lsn)
	return nil
}

// Flush forces pending buffered writes to disk. Callers running with sync
// mode disabled must invoke it at durability boundaries.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	walFlushes.Inc()
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
