package shard

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/calyxdb/calyx/internal/bloom"
	"github.com/calyxdb/calyx/internal/wal"
	"github.com/calyxdb/calyx/pkg/model"
)

const (
	storeDirName    = "store"
	walFileName     = "shard.wal"
	bloomFileName   = "bloom.filter"
	shardDirPattern = "shard_%04d"
)

// Shard is one partition of the keyspace: a storage unit, a bloom filter
// reflecting the keys actually inserted into that storage, and a
// write-ahead log recording every mutation for crash recovery.
type Shard struct {
	ID int

	store Store
	bloom *bloom.Filter
	wal   *wal.Log

	dir string
	log *logrus.Logger
}

func shardDir(basePath string, id int) string {
	return filepath.Join(basePath, fmt.Sprintf(shardDirPattern, id))
}

// NewShard creates a fresh shard under basePath/shard_NNNN.
func NewShard(id int, basePath string, cfg Config, logger *logrus.Logger) (*Shard, error) {
	dir := shardDir(basePath, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	store, err := NewLevelStore(filepath.Join(dir, storeDirName))
	if err != nil {
		return nil, err
	}
	w, err := wal.OpenWithOptions(filepath.Join(dir, walFileName), cfg.SyncWAL, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Shard{
		ID:    id,
		store: store,
		bloom: bloom.New(cfg.BloomExpectedItems, cfg.BloomFPRate),
		wal:   w,
		dir:   dir,
		log:   logger,
	}, nil
}

// OpenShard reopens an existing shard and recovers it: the bloom filter is
// restored from the last checkpoint snapshot (or rebuilt empty), and WAL
// entries written since then are replayed into the store and the filter.
func OpenShard(id int, basePath string, cfg Config, logger *logrus.Logger) (*Shard, error) {
	s, err := NewShard(id, basePath, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := s.recover(cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Shard) recover(cfg Config) error {
	if data, err := os.ReadFile(filepath.Join(s.dir, bloomFileName)); err == nil {
		if restored, err := bloom.FromBytes(data); err == nil {
			s.bloom = restored
		} else {
			s.log.Warnf("shard %d: bloom snapshot rejected, rebuilding from WAL: %v", s.ID, err)
			s.bloom = bloom.New(cfg.BloomExpectedItems, cfg.BloomFPRate)
		}
	}

	entries, err := s.wal.ReadAll()
	if err != nil {
		return err
	}
	replayed := 0
	for _, e := range entries {
		if err := s.apply(e); err != nil {
			return err
		}
		if e.Type != wal.EntryCheckpoint {
			replayed++
		}
	}
	if replayed > 0 {
		s.log.Infof("shard %d: replayed %d WAL entries", s.ID, replayed)
	}
	return nil
}

// apply replays one WAL entry. Store writes are idempotent, so re-applying
// an entry already reflected in the store is harmless.
func (s *Shard) apply(e wal.Entry) error {
	switch e.Type {
	case wal.EntryInsertNode, wal.EntryUpdateNode:
		node, err := model.DecodeNode(e.Payload)
		if err != nil {
			return err
		}
		s.bloom.Insert(node.ID[:])
		return s.store.InsertNode(node)
	case wal.EntryDeleteNode:
		id, err := uuid.FromBytes(e.Payload)
		if err != nil {
			return err
		}
		return s.store.DeleteNode(id)
	case wal.EntryInsertEdge:
		edge, err := model.DecodeEdge(e.Payload)
		if err != nil {
			return err
		}
		s.bloom.Insert(edge.ID[:])
		return s.store.InsertEdge(edge)
	case wal.EntryDeleteEdge:
		id, err := uuid.FromBytes(e.Payload)
		if err != nil {
			return err
		}
		return s.store.DeleteEdge(id)
	default:
		// Checkpoint markers and transaction framing carry no state.
		return nil
	}
}

func (s *Shard) InsertNode(node *model.Node) error {
	if _, err := s.wal.LogInsertNode(node); err != nil {
		return err
	}
	s.bloom.Insert(node.ID[:])
	return s.store.InsertNode(node)
}

// GetNode consults the bloom filter first: a definite "absent" answer
// short-circuits without touching the storage unit. A "maybe" falls through
// to the authoritative storage lookup.
func (s *Shard) GetNode(id uuid.UUID) (*model.Node, error) {
	shardLookups.Inc()
	if !s.bloom.MayContain(id[:]) {
		bloomNegatives.Inc()
		return nil, nil
	}
	return s.store.GetNode(id)
}

func (s *Shard) UpdateNode(id uuid.UUID, props model.Properties) (*model.Node, error) {
	node, err := s.store.UpdateNode(id, props)
	if err != nil {
		return nil, err
	}
	if _, err := s.wal.LogUpdateNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Shard) DeleteNode(id uuid.UUID) error {
	if _, err := s.wal.LogDeleteNode(id); err != nil {
		return err
	}
	// The bloom filter keeps the bit set; deletes only degrade it toward
	// "maybe", never toward a false "absent".
	return s.store.DeleteNode(id)
}

func (s *Shard) InsertEdge(edge *model.Edge) error {
	if _, err := s.wal.LogInsertEdge(edge); err != nil {
		return err
	}
	s.bloom.Insert(edge.ID[:])
	return s.store.InsertEdge(edge)
}

func (s *Shard) GetEdge(id uuid.UUID) (*model.Edge, error) {
	shardLookups.Inc()
	if !s.bloom.MayContain(id[:]) {
		bloomNegatives.Inc()
		return nil, nil
	}
	return s.store.GetEdge(id)
}

func (s *Shard) DeleteEdge(id uuid.UUID) error {
	if _, err := s.wal.LogDeleteEdge(id); err != nil {
		return err
	}
	return s.store.DeleteEdge(id)
}

func (s *Shard) GetEdgesFrom(from uuid.UUID, edgeType string) ([]*model.Edge, error) {
	return s.store.GetEdgesFrom(from, edgeType)
}

func (s *Shard) GetNodesByType(nodeType string, limit int) ([]*model.Node, error) {
	return s.store.GetNodesByType(nodeType, limit)
}

func (s *Shard) GetNodesByTypeOffset(nodeType string, offset, limit int) ([]*model.Node, error) {
	return s.store.GetNodesByTypeOffset(nodeType, offset, limit)
}

func (s *Shard) Stats() (StoreStats, error) {
	return s.store.Stats()
}

// Checkpoint appends a checkpoint marker, snapshots the bloom filter next
// to the log, and reclaims WAL space before the marker.
func (s *Shard) Checkpoint() (uint64, error) {
	cpLSN, err := s.wal.Checkpoint()
	if err != nil {
		return 0, err
	}

	tmpPath := filepath.Join(s.dir, bloomFileName+".tmp")
	if err := os.WriteFile(tmpPath, s.bloom.ToBytes(), 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, bloomFileName)); err != nil {
		return 0, err
	}

	if err := s.wal.TruncateBefore(cpLSN); err != nil {
		return 0, err
	}
	s.log.Infof("shard %d: checkpoint at LSN %d", s.ID, cpLSN)
	return cpLSN, nil
}

func (s *Shard) WAL() *wal.Log {
	return s.wal
}

func (s *Shard) Close() error {
	if err := s.wal.Close(); err != nil {
		s.store.Close()
		return err
	}
	return s.store.Close()
}
