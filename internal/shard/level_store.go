package shard

import (
	"os"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/calyxdb/calyx/internal/compress"
	"github.com/calyxdb/calyx/pkg/model"
)

// Key families inside one shard's leveldb. Node and edge ids are raw 16-byte
// uuids appended to the prefix.
const (
	nodeKeyPrefix = "n:"
	edgeKeyPrefix = "e:"
	typeKeyPrefix = "t:" // t:<type>:<node id> -> nil
	adjKeyPrefix  = "a:" // a:<from id><edge id> -> nil
)

func nodeKey(id uuid.UUID) []byte {
	return append([]byte(nodeKeyPrefix), id[:]...)
}

func edgeKey(id uuid.UUID) []byte {
	return append([]byte(edgeKeyPrefix), id[:]...)
}

func typeKey(nodeType string, id uuid.UUID) []byte {
	key := append([]byte(typeKeyPrefix), nodeType...)
	key = append(key, ':')
	return append(key, id[:]...)
}

func adjKey(from, edgeID uuid.UUID) []byte {
	key := append([]byte(adjKeyPrefix), from[:]...)
	return append(key, edgeID[:]...)
}

// LevelStore is the local-disk storage engine implementing Store on top of
// goleveldb. Values are the JSON encodings from pkg/model, LZ4-compressed
// before they hit disk.
type LevelStore struct {
	db   *leveldb.DB
	path string
	comp *compress.Compressor
}

var _ Store = (*LevelStore)(nil)

// NewLevelStore creates or opens the engine at path.
func NewLevelStore(path string) (*LevelStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db, path: path, comp: compress.New()}, nil
}

func (s *LevelStore) encodeValue(data []byte) ([]byte, error) {
	return s.comp.Compress(data)
}

func (s *LevelStore) decodeValue(data []byte) ([]byte, error) {
	return s.comp.Decompress(data)
}

func (s *LevelStore) get(key []byte) ([]byte, error) {
	val, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return val, err
}

func (s *LevelStore) InsertNode(node *model.Node) error {
	data, err := node.Encode()
	if err != nil {
		return err
	}
	if data, err = s.encodeValue(data); err != nil {
		return err
	}
	batch := &leveldb.Batch{}
	batch.Put(nodeKey(node.ID), data)
	batch.Put(typeKey(node.Type, node.ID), nil)
	return s.db.Write(batch, nil)
}

func (s *LevelStore) GetNode(id uuid.UUID) (*model.Node, error) {
	val, err := s.get(nodeKey(id))
	if err != nil || val == nil {
		return nil, err
	}
	if val, err = s.decodeValue(val); err != nil {
		return nil, err
	}
	return model.DecodeNode(val)
}

func (s *LevelStore) UpdateNode(id uuid.UUID, props model.Properties) (*model.Node, error) {
	node, err := s.GetNode(id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ErrNodeNotFound
	}
	if node.Properties == nil {
		node.Properties = model.Properties{}
	}
	for k, v := range props {
		node.Properties[k] = v
	}
	node.UpdatedAt = model.Now()

	data, err := node.Encode()
	if err != nil {
		return nil, err
	}
	if data, err = s.encodeValue(data); err != nil {
		return nil, err
	}
	if err := s.db.Put(nodeKey(id), data, nil); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *LevelStore) DeleteNode(id uuid.UUID) error {
	node, err := s.GetNode(id)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	batch := &leveldb.Batch{}
	batch.Delete(nodeKey(id))
	batch.Delete(typeKey(node.Type, id))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) InsertEdge(edge *model.Edge) error {
	data, err := edge.Encode()
	if err != nil {
		return err
	}
	if data, err = s.encodeValue(data); err != nil {
		return err
	}
	batch := &leveldb.Batch{}
	batch.Put(edgeKey(edge.ID), data)
	batch.Put(adjKey(edge.From, edge.ID), nil)
	return s.db.Write(batch, nil)
}

func (s *LevelStore) GetEdge(id uuid.UUID) (*model.Edge, error) {
	val, err := s.get(edgeKey(id))
	if err != nil || val == nil {
		return nil, err
	}
	if val, err = s.decodeValue(val); err != nil {
		return nil, err
	}
	return model.DecodeEdge(val)
}

func (s *LevelStore) DeleteEdge(id uuid.UUID) error {
	edge, err := s.GetEdge(id)
	if err != nil {
		return err
	}
	if edge == nil {
		return nil
	}
	batch := &leveldb.Batch{}
	batch.Delete(edgeKey(id))
	batch.Delete(adjKey(edge.From, id))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) GetEdgesFrom(from uuid.UUID, edgeType string) ([]*model.Edge, error) {
	prefix := append([]byte(adjKeyPrefix), from[:]...)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var edges []*model.Edge
	for iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+16 {
			continue
		}
		edgeID, err := uuid.FromBytes(key[len(prefix):])
		if err != nil {
			continue
		}
		edge, err := s.GetEdge(edgeID)
		if err != nil {
			return nil, err
		}
		if edge == nil {
			continue
		}
		if edgeType != "" && edge.Type != edgeType {
			continue
		}
		edges = append(edges, edge)
	}
	return edges, iter.Error()
}

func (s *LevelStore) GetNodesByType(nodeType string, limit int) ([]*model.Node, error) {
	prefix := append([]byte(typeKeyPrefix), nodeType...)
	prefix = append(prefix, ':')
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var nodes []*model.Node
	for iter.Next() {
		if limit > 0 && len(nodes) >= limit {
			break
		}
		key := iter.Key()
		if len(key) != len(prefix)+16 {
			continue
		}
		id, err := uuid.FromBytes(key[len(prefix):])
		if err != nil {
			continue
		}
		node, err := s.GetNode(id)
		if err != nil {
			return nil, err
		}
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes, iter.Error()
}

// GetNodesByTypeOffset is the paging variant of GetNodesByType: it skips the
// first offset matches before collecting up to limit nodes. Iteration order
// is the type index's key order, so consecutive pages never overlap as long
// as the index is not mutated between calls.
func (s *LevelStore) GetNodesByTypeOffset(nodeType string, offset, limit int) ([]*model.Node, error) {
	prefix := append([]byte(typeKeyPrefix), nodeType...)
	prefix = append(prefix, ':')
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	skipped := 0
	var nodes []*model.Node
	for iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+16 {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(nodes) >= limit {
			break
		}
		id, err := uuid.FromBytes(key[len(prefix):])
		if err != nil {
			continue
		}
		node, err := s.GetNode(id)
		if err != nil {
			return nil, err
		}
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes, iter.Error()
}

func (s *LevelStore) countPrefix(prefix string) (int64, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var count int64
	for iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (s *LevelStore) Stats() (StoreStats, error) {
	nodes, err := s.countPrefix(nodeKeyPrefix)
	if err != nil {
		return StoreStats{}, err
	}
	edges, err := s.countPrefix(edgeKeyPrefix)
	if err != nil {
		return StoreStats{}, err
	}
	sizes, err := s.db.SizeOf([]util.Range{
		*util.BytesPrefix([]byte(nodeKeyPrefix)),
		*util.BytesPrefix([]byte(edgeKeyPrefix)),
	})
	if err != nil {
		return StoreStats{}, err
	}
	var size int64
	for _, sz := range sizes {
		size += sz
	}
	return StoreStats{NodeCount: nodes, EdgeCount: edges, SizeBytes: size}, nil
}

func (s *LevelStore) Sync() error {
	// leveldb writes through its own journal; nothing buffered to force here.
	return nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
