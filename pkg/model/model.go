// Package model defines the node/edge domain objects shared between the
// storage layer and its callers. Properties are free-form JSON documents,
// which is also how they are stored on disk.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Timestamp is a millisecond Unix timestamp.
type Timestamp int64

func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

type Properties map[string]interface{}

type Node struct {
	ID         uuid.UUID  `json:"id"`
	Type       string     `json:"type"`
	Properties Properties `json:"properties,omitempty"`
	CreatedAt  Timestamp  `json:"created_at"`
	UpdatedAt  Timestamp  `json:"updated_at"`
}

type Edge struct {
	ID         uuid.UUID  `json:"id"`
	From       uuid.UUID  `json:"from"`
	To         uuid.UUID  `json:"to"`
	Type       string     `json:"type"`
	Properties Properties `json:"properties,omitempty"`
	CreatedAt  Timestamp  `json:"created_at"`
}

func NewNode(nodeType string, props Properties) *Node {
	now := Now()
	return &Node{
		ID:         uuid.New(),
		Type:       nodeType,
		Properties: props,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func NewEdge(from, to uuid.UUID, edgeType string, props Properties) *Edge {
	return &Edge{
		ID:         uuid.New(),
		From:       from,
		To:         to,
		Type:       edgeType,
		Properties: props,
		CreatedAt:  Now(),
	}
}

func (n *Node) Encode() ([]byte, error) {
	return json.Marshal(n)
}

func DecodeNode(data []byte) (*Node, error) {
	n := &Node{}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (e *Edge) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEdge(data []byte) (*Edge, error) {
	e := &Edge{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}
