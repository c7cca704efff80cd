package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/calyxdb/calyx/internal/replica"
	"github.com/calyxdb/calyx/internal/server/etc"
	"github.com/calyxdb/calyx/internal/shard"
	"github.com/calyxdb/calyx/pkg/common"
	"github.com/calyxdb/calyx/pkg/model"
)

const applyPollInterval = 10 * time.Millisecond

// Server glues the pieces of one storage node together: the sharded store,
// the consensus replica with its driver, and the rpcx surface clients and
// peers talk to. Writes flow through the replicated log and are applied to
// the local shards in commit order; reads are served locally.
type Server struct {
	conf etc.ServerConf
	log  *logrus.Logger

	mgr       *shard.Manager
	rs        *replica.ReplicaSet
	driver    *replica.Driver
	transport replica.Transport
	rpcServ   *replica.RpcxServer

	dead    int32
	KilledC chan struct{}
}

func StartServer(conf etc.ServerConf) (*Server, error) {
	logger, err := common.InitLogger(conf.LogLevel, "Server")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	mgr, err := shard.OpenManager(conf.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open shard manager: %w", err)
	}

	persister, err := replica.NewPersister(conf.StateDir)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("open persister: %w", err)
	}
	rs := replica.NewReplicaSet(conf.Replica, persister, logger)
	transport := replica.NewRPCTransport()
	driver := replica.NewDriver(rs, transport, logger)

	s := &Server{
		conf:      conf,
		log:       logger,
		mgr:       mgr,
		rs:        rs,
		driver:    driver,
		transport: transport,
		KilledC:   make(chan struct{}),
	}

	s.rpcServ = replica.MakeRpcxServer(fmt.Sprintf("%s:%d", conf.Host, conf.Port))
	if err := s.rpcServ.Register(replica.NewConsensusService(rs)); err != nil {
		s.Kill()
		return nil, fmt.Errorf("register consensus service: %w", err)
	}
	if err := s.rpcServ.RegisterService("Calyx", s); err != nil {
		s.Kill()
		return nil, fmt.Errorf("register api service: %w", err)
	}
	go func() {
		if err := s.rpcServ.Start(); err != nil && !s.killed() {
			logger.Errorf("rpc server stopped: %v", err)
		}
	}()

	driver.Run()
	go s.applyLoop()

	logger.Infof("server %s listening on %s:%d, %d shards",
		rs.NodeID(), conf.Host, conf.Port, conf.Store.NumShards)
	return s, nil
}

func (s *Server) Kill() {
	if !atomic.CompareAndSwapInt32(&s.dead, 0, 1) {
		return
	}
	s.driver.Kill()
	if s.rpcServ != nil {
		s.rpcServ.Stop()
	}
	s.transport.Close()
	if err := s.mgr.Close(); err != nil {
		s.log.Errorf("close shard manager: %v", err)
	}
	close(s.KilledC)
}

func (s *Server) killed() bool {
	return atomic.LoadInt32(&s.dead) == 1
}

// applyLoop drains committed log entries into the shard manager in order.
func (s *Server) applyLoop() {
	ticker := time.NewTicker(applyPollInterval)
	defer ticker.Stop()
	for !s.killed() {
		select {
		case <-s.KilledC:
			return
		case <-ticker.C:
		}
		entries := s.rs.GetUnappliedEntries()
		for _, e := range entries {
			if err := s.applyCommand(e.Command); err != nil {
				s.log.Errorf("apply entry %d: %v", e.Index, err)
			}
			s.rs.MarkApplied(e.Index)
		}
	}
}

func (s *Server) applyCommand(cmd replica.Command) error {
	switch cmd.Op {
	case replica.OpNop:
		return nil
	case replica.OpInsertNode, replica.OpUpdateNode:
		node, err := model.DecodeNode(cmd.Data)
		if err != nil {
			return err
		}
		return s.mgr.InsertNode(node)
	case replica.OpDeleteNode:
		id, err := uuid.FromBytes(cmd.Data)
		if err != nil {
			return err
		}
		return s.mgr.DeleteNode(id)
	case replica.OpInsertEdge:
		edge, err := model.DecodeEdge(cmd.Data)
		if err != nil {
			return err
		}
		return s.mgr.InsertEdge(edge)
	case replica.OpDeleteEdge:
		if len(cmd.Data) != 32 {
			return fmt.Errorf("bad delete edge payload length %d", len(cmd.Data))
		}
		id, err := uuid.FromBytes(cmd.Data[:16])
		if err != nil {
			return err
		}
		from, err := uuid.FromBytes(cmd.Data[16:])
		if err != nil {
			return err
		}
		return s.mgr.DeleteEdge(id, from)
	default:
		return fmt.Errorf("unknown command op %d", cmd.Op)
	}
}

// propose appends a command on the leader and waits until the apply loop has
// carried it into the store. The ack is tied to the proposed entry itself:
// if a newer leader overwrote our slot before it committed, the write was
// discarded and the client must retry, not be told OK.
func (s *Server) propose(op replica.CommandOp, data []byte) common.Err {
	if s.killed() {
		return common.ErrClosed
	}
	idx, term, err := s.rs.AppendCommand(replica.Command{Op: op, Data: data})
	if err != nil {
		return common.ErrNotLeader
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.killed() {
			return common.ErrClosed
		}
		if committedTerm, ok := s.rs.CommittedEntryTerm(idx); ok {
			if committedTerm != term {
				return common.ErrNotLeader
			}
			if len(s.rs.GetUnappliedEntries()) == 0 {
				return common.OK
			}
		}
		time.Sleep(applyPollInterval)
	}
	return common.ErrFailed
}

// rpcx handlers

func (s *Server) InsertNode(ctx context.Context, args *InsertNodeArgs, reply *InsertNodeReply) error {
	if _, err := model.DecodeNode(args.Node); err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	reply.Err = s.propose(replica.OpInsertNode, args.Node)
	return nil
}

func (s *Server) GetNode(ctx context.Context, args *GetNodeArgs, reply *GetNodeReply) error {
	node, err := s.mgr.GetNode(args.ID)
	if err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	if node == nil {
		reply.Err = common.ErrNoKey
		return nil
	}
	data, err := node.Encode()
	if err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	reply.Err = common.OK
	reply.Node = data
	return nil
}

func (s *Server) UpdateNode(ctx context.Context, args *UpdateNodeArgs, reply *UpdateNodeReply) error {
	if !s.rs.IsLeader() {
		reply.Err = common.ErrNotLeader
		return nil
	}
	var props model.Properties
	if err := json.Unmarshal(args.Props, &props); err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	// merge locally to produce the full post-update node, then replicate it
	current, err := s.mgr.GetNode(args.ID)
	if err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	if current == nil {
		reply.Err = common.ErrNoKey
		return nil
	}
	if current.Properties == nil {
		current.Properties = make(model.Properties, len(props))
	}
	for k, v := range props {
		current.Properties[k] = v
	}
	current.UpdatedAt = model.Now()
	data, err := current.Encode()
	if err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	reply.Err = s.propose(replica.OpUpdateNode, data)
	if reply.Err == common.OK {
		reply.Node = data
	}
	return nil
}

func (s *Server) DeleteNode(ctx context.Context, args *DeleteNodeArgs, reply *DeleteNodeReply) error {
	id := args.ID
	reply.Err = s.propose(replica.OpDeleteNode, id[:])
	return nil
}

func (s *Server) InsertEdge(ctx context.Context, args *InsertEdgeArgs, reply *InsertEdgeReply) error {
	if _, err := model.DecodeEdge(args.Edge); err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	reply.Err = s.propose(replica.OpInsertEdge, args.Edge)
	return nil
}

func (s *Server) DeleteEdge(ctx context.Context, args *DeleteEdgeArgs, reply *DeleteEdgeReply) error {
	payload := make([]byte, 0, 32)
	payload = append(payload, args.ID[:]...)
	payload = append(payload, args.From[:]...)
	reply.Err = s.propose(replica.OpDeleteEdge, payload)
	return nil
}

func (s *Server) GetEdgesFrom(ctx context.Context, args *GetEdgesFromArgs, reply *GetEdgesFromReply) error {
	edges, err := s.mgr.GetEdgesFrom(args.From, args.EdgeType)
	if err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	reply.Err = common.OK
	for _, e := range edges {
		data, err := e.Encode()
		if err != nil {
			reply.Err = common.ErrFailed
			return nil
		}
		reply.Edges = append(reply.Edges, data)
	}
	return nil
}

func (s *Server) GetNodesByType(ctx context.Context, args *GetNodesByTypeArgs, reply *GetNodesByTypeReply) error {
	nodes, err := s.mgr.GetNodesByType(args.NodeType, args.Limit)
	if err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	reply.Err = common.OK
	for _, n := range nodes {
		data, err := n.Encode()
		if err != nil {
			reply.Err = common.ErrFailed
			return nil
		}
		reply.Nodes = append(reply.Nodes, data)
	}
	return nil
}

func (s *Server) Stats(ctx context.Context, args *StatsArgs, reply *StatsReply) error {
	stats, err := s.mgr.Stats()
	if err != nil {
		reply.Err = common.ErrFailed
		return nil
	}
	reply.Err = common.OK
	reply.NumShards = stats.NumShards
	reply.NodeCount = stats.TotalNodes
	reply.EdgeCount = stats.TotalEdges
	reply.SizeBytes = stats.TotalSize
	reply.IsLeader = s.rs.IsLeader()
	reply.LeaderID = s.rs.Leader()
	reply.Term = s.rs.Term()
	reply.CommitIdx = s.rs.CommitIndex()
	return nil
}
