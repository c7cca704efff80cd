package server

import (
	"github.com/google/uuid"

	"github.com/calyxdb/calyx/pkg/common"
)

// rpcx request and reply types for the public graph API. Node and edge
// payloads cross the wire pre-encoded so the transport codec never has to
// deal with free-form property maps.

type InsertNodeArgs struct {
	Node []byte
}

type InsertNodeReply struct {
	Err common.Err
}

type GetNodeArgs struct {
	ID uuid.UUID
}

type GetNodeReply struct {
	Err  common.Err
	Node []byte
}

type UpdateNodeArgs struct {
	ID    uuid.UUID
	Props []byte
}

type UpdateNodeReply struct {
	Err  common.Err
	Node []byte
}

type DeleteNodeArgs struct {
	ID uuid.UUID
}

type DeleteNodeReply struct {
	Err common.Err
}

type InsertEdgeArgs struct {
	Edge []byte
}

type InsertEdgeReply struct {
	Err common.Err
}

type DeleteEdgeArgs struct {
	ID   uuid.UUID
	From uuid.UUID
}

type DeleteEdgeReply struct {
	Err common.Err
}

type GetEdgesFromArgs struct {
	From     uuid.UUID
	EdgeType string
}

type GetEdgesFromReply struct {
	Err   common.Err
	Edges [][]byte
}

type GetNodesByTypeArgs struct {
	NodeType string
	Limit    int
}

type GetNodesByTypeReply struct {
	Err   common.Err
	Nodes [][]byte
}

type StatsArgs struct {
}

type StatsReply struct {
	Err       common.Err
	NumShards int
	NodeCount int64
	EdgeCount int64
	SizeBytes int64
	IsLeader  bool
	LeaderID  string
	Term      uint64
	CommitIdx uint64
}
