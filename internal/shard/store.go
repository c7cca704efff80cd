package shard

import (
	"errors"

	"github.com/google/uuid"

	"github.com/calyxdb/calyx/pkg/model"
)

var (
	ErrNodeNotFound = errors.New("shard: node not found")
	ErrEdgeNotFound = errors.New("shard: edge not found")
)

// StoreStats summarizes one storage unit.
type StoreStats struct {
	NodeCount int64
	EdgeCount int64
	SizeBytes int64
}

// Store is the per-shard storage capability the manager is written against.
// The manager treats it as opaque: routing, filtering and logging happen
// above this interface, persistence below it.
//
// GetNode and GetEdge return (nil, nil) for a missing record; errors are
// reserved for storage failures.
type Store interface {
	InsertNode(node *model.Node) error
	GetNode(id uuid.UUID) (*model.Node, error)
	UpdateNode(id uuid.UUID, props model.Properties) (*model.Node, error)
	DeleteNode(id uuid.UUID) error

	InsertEdge(edge *model.Edge) error
	GetEdge(id uuid.UUID) (*model.Edge, error)
	DeleteEdge(id uuid.UUID) error
	GetEdgesFrom(from uuid.UUID, edgeType string) ([]*model.Edge, error)

	GetNodesByType(nodeType string, limit int) ([]*model.Node, error)
	GetNodesByTypeOffset(nodeType string, offset, limit int) ([]*model.Node, error)
	Stats() (StoreStats, error)

	Sync() error
	Close() error
}
