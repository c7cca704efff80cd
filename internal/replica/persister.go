package replica

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const hardStateFileName = "replica.state"

// Persister keeps a replica's hard state (current term and vote) on disk so
// that a restart cannot double-vote within a term.
type Persister struct {
	dir string
}

func NewPersister(dir string) (*Persister, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create persister dir: %w", err)
	}
	return &Persister{dir: dir}, nil
}

func (p *Persister) statePath() string {
	return filepath.Join(p.dir, hardStateFileName)
}

// SaveHardState writes term and vote atomically via a temp file and rename.
func (p *Persister) SaveHardState(term uint64, votedFor string) error {
	buf := make([]byte, 8+2+len(votedFor))
	binary.LittleEndian.PutUint64(buf[0:8], term)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(votedFor)))
	copy(buf[10:], votedFor)

	tmp := p.statePath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open temp state file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp, p.statePath()); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// ReadHardState loads the saved term and vote. ok is false when no state has
// been saved yet or the file is unreadable.
func (p *Persister) ReadHardState() (term uint64, votedFor string, ok bool) {
	data, err := os.ReadFile(p.statePath())
	if err != nil || len(data) < 10 {
		return 0, "", false
	}
	term = binary.LittleEndian.Uint64(data[0:8])
	n := int(binary.LittleEndian.Uint16(data[8:10]))
	if len(data) < 10+n {
		return 0, "", false
	}
	return term, string(data[10 : 10+n]), true
}
