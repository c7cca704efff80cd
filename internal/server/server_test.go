package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyxdb/calyx/internal/replica"
	"github.com/calyxdb/calyx/internal/server/etc"
	"github.com/calyxdb/calyx/internal/shard"
	"github.com/calyxdb/calyx/pkg/common"
	"github.com/calyxdb/calyx/pkg/model"
)

func testConf(t *testing.T) etc.ServerConf {
	t.Helper()
	conf := etc.MakeDefaultConfig()
	conf.Host = "127.0.0.1"
	conf.Port = freePort(t)
	conf.LogLevel = "error"
	conf.StateDir = t.TempDir()
	conf.Store.BasePath = t.TempDir()
	conf.Store.NumShards = 4
	conf.Store.LogLevel = "error"
	conf.Replica.NodeID = "test-node"
	conf.Replica.Peers = nil
	conf.Replica.ElectionTimeoutMinMs = 30
	conf.Replica.ElectionTimeoutMaxMs = 60
	conf.Replica.HeartbeatIntervalMs = 15
	return conf
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func waitLeadership(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.rs.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("single node never elected itself")
}

func TestSingleNodeWriteReadCycle(t *testing.T) {
	srv, err := StartServer(testConf(t))
	require.NoError(t, err)
	defer srv.Kill()
	waitLeadership(t, srv)

	node := model.NewNode("user", model.Properties{"name": "ada"})
	data, err := node.Encode()
	require.NoError(t, err)

	ctx := context.Background()
	var insReply InsertNodeReply
	require.NoError(t, srv.InsertNode(ctx, &InsertNodeArgs{Node: data}, &insReply))
	require.Equal(t, common.OK, insReply.Err)

	var getReply GetNodeReply
	require.NoError(t, srv.GetNode(ctx, &GetNodeArgs{ID: node.ID}, &getReply))
	require.Equal(t, common.OK, getReply.Err)
	got, err := model.DecodeNode(getReply.Node)
	require.NoError(t, err)
	assert.Equal(t, node.ID, got.ID)
	assert.Equal(t, "ada", got.Properties["name"])

	props, _ := json.Marshal(model.Properties{"name": "lovelace"})
	var updReply UpdateNodeReply
	require.NoError(t, srv.UpdateNode(ctx, &UpdateNodeArgs{ID: node.ID, Props: props}, &updReply))
	require.Equal(t, common.OK, updReply.Err)

	require.NoError(t, srv.GetNode(ctx, &GetNodeArgs{ID: node.ID}, &getReply))
	got, err = model.DecodeNode(getReply.Node)
	require.NoError(t, err)
	assert.Equal(t, "lovelace", got.Properties["name"])

	var delReply DeleteNodeReply
	require.NoError(t, srv.DeleteNode(ctx, &DeleteNodeArgs{ID: node.ID}, &delReply))
	require.Equal(t, common.OK, delReply.Err)

	require.NoError(t, srv.GetNode(ctx, &GetNodeArgs{ID: node.ID}, &getReply))
	assert.Equal(t, common.ErrNoKey, getReply.Err)
}

func TestSingleNodeEdgesAndStats(t *testing.T) {
	srv, err := StartServer(testConf(t))
	require.NoError(t, err)
	defer srv.Kill()
	waitLeadership(t, srv)

	ctx := context.Background()
	a := model.NewNode("user", nil)
	b := model.NewNode("user", nil)
	for _, n := range []*model.Node{a, b} {
		data, err := n.Encode()
		require.NoError(t, err)
		var reply InsertNodeReply
		require.NoError(t, srv.InsertNode(ctx, &InsertNodeArgs{Node: data}, &reply))
		require.Equal(t, common.OK, reply.Err)
	}

	edge := model.NewEdge(a.ID, b.ID, "follows", nil)
	edgeData, err := edge.Encode()
	require.NoError(t, err)
	var insEdge InsertEdgeReply
	require.NoError(t, srv.InsertEdge(ctx, &InsertEdgeArgs{Edge: edgeData}, &insEdge))
	require.Equal(t, common.OK, insEdge.Err)

	var out GetEdgesFromReply
	require.NoError(t, srv.GetEdgesFrom(ctx, &GetEdgesFromArgs{From: a.ID, EdgeType: "follows"}, &out))
	require.Equal(t, common.OK, out.Err)
	require.Len(t, out.Edges, 1)

	var byType GetNodesByTypeReply
	require.NoError(t, srv.GetNodesByType(ctx, &GetNodesByTypeArgs{NodeType: "user", Limit: 10}, &byType))
	require.Equal(t, common.OK, byType.Err)
	assert.Len(t, byType.Nodes, 2)

	var stats StatsReply
	require.NoError(t, srv.Stats(ctx, &StatsArgs{}, &stats))
	require.Equal(t, common.OK, stats.Err)
	assert.EqualValues(t, 2, stats.NodeCount)
	assert.EqualValues(t, 1, stats.EdgeCount)
	assert.True(t, stats.IsLeader)

	var delEdge DeleteEdgeReply
	require.NoError(t, srv.DeleteEdge(ctx, &DeleteEdgeArgs{ID: edge.ID, From: a.ID}, &delEdge))
	require.Equal(t, common.OK, delEdge.Err)
	require.NoError(t, srv.GetEdgesFrom(ctx, &GetEdgesFromArgs{From: a.ID, EdgeType: "follows"}, &out))
	assert.Empty(t, out.Edges)
}

func TestApplyCommandDispatch(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	storeConf := shard.DefaultConfig()
	storeConf.NumShards = 2
	storeConf.BasePath = t.TempDir()
	storeConf.LogLevel = "error"
	mgr, err := shard.NewManager(storeConf, logger)
	require.NoError(t, err)
	defer mgr.Close()

	s := &Server{mgr: mgr, log: logger}

	node := model.NewNode("doc", model.Properties{"title": "t"})
	data, err := node.Encode()
	require.NoError(t, err)
	require.NoError(t, s.applyCommand(replica.Command{Op: replica.OpInsertNode, Data: data}))

	got, err := mgr.GetNode(node.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	id := node.ID
	require.NoError(t, s.applyCommand(replica.Command{Op: replica.OpDeleteNode, Data: id[:]}))
	got, err = mgr.GetNode(node.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = s.applyCommand(replica.Command{Op: replica.CommandOp(99)})
	assert.Error(t, err)
}
