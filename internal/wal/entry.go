package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/calyxdb/calyx/pkg/model"
)

// EntryType tags the operation a WAL entry records.
type EntryType uint8

const (
	EntryInsertNode EntryType = iota + 1
	EntryUpdateNode
	EntryDeleteNode
	EntryInsertEdge
	EntryDeleteEdge
	EntryTxBegin
	EntryTxCommit
	EntryTxRollback
	EntryCheckpoint
)

func (t EntryType) String() string {
	switch t {
	case EntryInsertNode:
		return "InsertNode"
	case EntryUpdateNode:
		return "UpdateNode"
	case EntryDeleteNode:
		return "DeleteNode"
	case EntryInsertEdge:
		return "InsertEdge"
	case EntryDeleteEdge:
		return "DeleteEdge"
	case EntryTxBegin:
		return "TxBegin"
	case EntryTxCommit:
		return "TxCommit"
	case EntryTxRollback:
		return "TxRollback"
	case EntryCheckpoint:
		return "Checkpoint"
	default:
		return "Unknown"
	}
}

var (
	ErrEntryTooShort    = errors.New("wal: entry too short")
	ErrEntryTruncated   = errors.New("wal: entry truncated")
	ErrChecksumMismatch = errors.New("wal: entry checksum mismatch")
	ErrBadEntryType     = errors.New("wal: unknown entry type")
)

// Entry is one durable record. LSNs are strictly increasing within a log
// file and survive restart.
type Entry struct {
	LSN       uint64
	Timestamp model.Timestamp
	Type      EntryType
	TxID      uint64
	HasTx     bool
	Payload   []byte
}

// Fixed-size portion of the serialized entry body:
// lsn u64 | timestamp i64 | type u8 | hasTx u8 | txID u64 | payloadLen u32.
const entryFixedLen = 8 + 8 + 1 + 1 + 8 + 4

// recordHeaderLen is the on-disk framing before each entry body:
// [len u32 LE][crc32 u32 LE].
const recordHeaderLen = 8

func (e *Entry) encodeBody() []byte {
	buf := make([]byte, entryFixedLen+len(e.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Timestamp))
	buf[16] = byte(e.Type)
	if e.HasTx {
		buf[17] = 1
	}
	binary.LittleEndian.PutUint64(buf[18:26], e.TxID)
	binary.LittleEndian.PutUint32(buf[26:30], uint32(len(e.Payload)))
	copy(buf[entryFixedLen:], e.Payload)
	return buf
}

// encodeRecord frames the body with its length and CRC32.
func (e *Entry) encodeRecord() []byte {
	body := e.encodeBody()
	record := make([]byte, recordHeaderLen+len(body))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(record[4:8], crc32.ChecksumIEEE(body))
	copy(record[recordHeaderLen:], body)
	return record
}

func decodeBody(body []byte) (Entry, error) {
	if len(body) < entryFixedLen {
		return Entry{}, ErrEntryTooShort
	}
	e := Entry{
		LSN:       binary.LittleEndian.Uint64(body[0:8]),
		Timestamp: model.Timestamp(binary.LittleEndian.Uint64(body[8:16])),
		Type:      EntryType(body[16]),
		HasTx:     body[17] == 1,
		TxID:      binary.LittleEndian.Uint64(body[18:26]),
	}
	if e.Type < EntryInsertNode || e.Type > EntryCheckpoint {
		return Entry{}, ErrBadEntryType
	}
	payloadLen := binary.LittleEndian.Uint32(body[26:30])
	if len(body) != entryFixedLen+int(payloadLen) {
		return Entry{}, ErrEntryTruncated
	}
	e.Payload = make([]byte, payloadLen)
	copy(e.Payload, body[entryFixedLen:])
	return e, nil
}

// decodeRecord parses one framed entry from the front of data, returning the
// entry and the number of bytes consumed. The CRC must match before any field
// of the record is trusted.
func decodeRecord(data []byte) (Entry, int, error) {
	if len(data) < recordHeaderLen {
		return Entry{}, 0, ErrEntryTooShort
	}
	bodyLen := binary.LittleEndian.Uint32(data[0:4])
	storedCRC := binary.LittleEndian.Uint32(data[4:8])
	if len(data) < recordHeaderLen+int(bodyLen) {
		return Entry{}, 0, ErrEntryTruncated
	}
	body := data[recordHeaderLen : recordHeaderLen+int(bodyLen)]
	if crc32.ChecksumIEEE(body) != storedCRC {
		return Entry{}, 0, ErrChecksumMismatch
	}
	e, err := decodeBody(body)
	if err != nil {
		return Entry{}, 0, err
	}
	return e, recordHeaderLen + int(bodyLen), nil
}
