// Package shard spreads nodes and edges across multiple storage units. A
// consistent hash ring maps every id to its owning shard; each shard pairs
// its storage with a bloom filter so negative lookups skip disk entirely,
// and a write-ahead log so a crashed shard recovers by replay.
package shard

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/calyxdb/calyx/pkg/common"
	"github.com/calyxdb/calyx/pkg/model"
)

var (
	shardLookups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calyx_shard_lookups_total",
		Help: "The total number of point lookups routed to shards",
	})
	bloomNegatives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calyx_shard_bloom_negative_total",
		Help: "The total number of lookups short-circuited by a bloom filter",
	})
	shardInserts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calyx_shard_inserts_total",
		Help: "The total number of node and edge inserts",
	})
)

// Config is the shard manager configuration surface.
type Config struct {
	NumShards    int    `json:"num_shards"`
	VirtualNodes int    `json:"virtual_nodes"`
	BasePath     string `json:"base_path"`

	SyncWAL            bool    `json:"sync_wal"`
	BloomExpectedItems int     `json:"bloom_expected_items"`
	BloomFPRate        float64 `json:"bloom_fp_rate"`

	LogLevel string `json:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		NumShards:          16,
		VirtualNodes:       150,
		BasePath:           ".",
		SyncWAL:            true,
		BloomExpectedItems: 100000,
		BloomFPRate:        0.01,
		LogLevel:           "info",
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.NumShards <= 0 {
		c.NumShards = def.NumShards
	}
	if c.VirtualNodes <= 0 {
		c.VirtualNodes = def.VirtualNodes
	}
	if c.BasePath == "" {
		c.BasePath = def.BasePath
	}
	if c.BloomExpectedItems <= 0 {
		c.BloomExpectedItems = def.BloomExpectedItems
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		c.BloomFPRate = def.BloomFPRate
	}
}

// ShardStats aggregates per-shard counts and global totals.
type ShardStats struct {
	NumShards  int
	TotalNodes int64
	TotalEdges int64
	TotalSize  int64
	Shards     []SingleShardStats
}

type SingleShardStats struct {
	ID        int
	NodeCount int64
	EdgeCount int64
	SizeBytes int64
}

// Manager owns the full shard set and routes every operation to the owning
// shard. Shards are independent: operations on different shards need no
// coordination.
type Manager struct {
	config Config
	ring   *Ring
	shards []*Shard
	log    *logrus.Logger
}

// NewManager creates NumShards fresh shards under BasePath and registers
// each on the ring.
func NewManager(cfg Config, logger *logrus.Logger) (*Manager, error) {
	return makeManager(cfg, logger, NewShard)
}

// OpenManager reopens existing shards, recovering each from its WAL.
func OpenManager(cfg Config, logger *logrus.Logger) (*Manager, error) {
	return makeManager(cfg, logger, OpenShard)
}

func makeManager(cfg Config, logger *logrus.Logger,
	makeShard func(int, string, Config, *logrus.Logger) (*Shard, error)) (*Manager, error) {

	cfg.fillDefaults()
	if logger == nil {
		var err error
		if logger, err = common.InitLogger(cfg.LogLevel, "ShardManager"); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		config: cfg,
		ring:   NewRing(cfg.VirtualNodes),
		log:    logger,
	}
	for i := 0; i < cfg.NumShards; i++ {
		s, err := makeShard(i, cfg.BasePath, cfg, logger)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.ring.AddNode(i)
		m.shards = append(m.shards, s)
	}
	m.log.Infof("shard manager ready: %d shards, %d virtual nodes each",
		cfg.NumShards, cfg.VirtualNodes)
	return m, nil
}

// GetShard returns the shard owning key per the ring.
func (m *Manager) GetShard(key []byte) *Shard {
	return m.shards[m.ring.GetNode(key)]
}

func (m *Manager) shardForID(id uuid.UUID) *Shard {
	return m.GetShard(id[:])
}

func (m *Manager) Shards() []*Shard {
	return m.shards
}

func (m *Manager) InsertNode(node *model.Node) error {
	shardInserts.Inc()
	return m.shardForID(node.ID).InsertNode(node)
}

// GetNode returns (nil, nil) when the node does not exist; the owning
// shard's bloom filter usually answers that without any storage I/O.
func (m *Manager) GetNode(id uuid.UUID) (*model.Node, error) {
	return m.shardForID(id).GetNode(id)
}

func (m *Manager) UpdateNode(id uuid.UUID, props model.Properties) (*model.Node, error) {
	return m.shardForID(id).UpdateNode(id, props)
}

func (m *Manager) DeleteNode(id uuid.UUID) error {
	return m.shardForID(id).DeleteNode(id)
}

// InsertEdge stores the edge on the source node's shard so traversals from
// that node stay local.
func (m *Manager) InsertEdge(edge *model.Edge) error {
	shardInserts.Inc()
	return m.shardForID(edge.From).InsertEdge(edge)
}

func (m *Manager) GetEdge(id uuid.UUID, from uuid.UUID) (*model.Edge, error) {
	return m.shardForID(from).GetEdge(id)
}

func (m *Manager) DeleteEdge(id uuid.UUID, from uuid.UUID) error {
	return m.shardForID(from).DeleteEdge(id)
}

func (m *Manager) GetEdgesFrom(from uuid.UUID, edgeType string) ([]*model.Edge, error) {
	return m.shardForID(from).GetEdgesFrom(from, edgeType)
}

// GetNodesByType fans out to every shard with a per-shard share of the
// limit and concatenates the results. Ordering across shards is not
// deterministic; this is a scatter-gather scan, not a sorted merge.
func (m *Manager) GetNodesByType(nodeType string, limit int) ([]*model.Node, error) {
	perShard := 0
	if limit > 0 {
		perShard = limit / len(m.shards)
		if perShard < 1 {
			perShard = 1
		}
	}

	var all []*model.Node
	for _, s := range m.shards {
		nodes, err := s.GetNodesByType(nodeType, perShard)
		if err != nil {
			return nil, err
		}
		all = append(all, nodes...)
		if limit > 0 && len(all) >= limit {
			all = all[:limit]
			break
		}
	}
	return all, nil
}

func (m *Manager) Stats() (ShardStats, error) {
	stats := ShardStats{NumShards: len(m.shards)}
	for _, s := range m.shards {
		ss, err := s.Stats()
		if err != nil {
			return ShardStats{}, err
		}
		stats.TotalNodes += ss.NodeCount
		stats.TotalEdges += ss.EdgeCount
		stats.TotalSize += ss.SizeBytes
		stats.Shards = append(stats.Shards, SingleShardStats{
			ID:        s.ID,
			NodeCount: ss.NodeCount,
			EdgeCount: ss.EdgeCount,
			SizeBytes: ss.SizeBytes,
		})
	}
	return stats, nil
}

// Checkpoint checkpoints every shard's WAL.
func (m *Manager) Checkpoint() error {
	for _, s := range m.shards {
		if _, err := s.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Close() error {
	var firstErr error
	for _, s := range m.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
