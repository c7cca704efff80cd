package shard

import (
	"context"

	"github.com/google/uuid"

	"github.com/calyxdb/calyx/internal/stream"
	"github.com/calyxdb/calyx/pkg/model"
)

// GetNodesByTypePage returns the next page of nodes for the cursor, scanning
// shards in order. The caller passes the same cursor back until HasMore
// turns false. Pages never overlap as long as the type index is not mutated
// between calls; a concurrent insert may shift later pages, which is the
// usual offset-cursor caveat, not corruption.
func (m *Manager) GetNodesByTypePage(nodeType string, cursor *stream.Cursor) ([]*model.Node, error) {
	if cursor == nil || !cursor.HasMore {
		return nil, nil
	}
	shardIdx, offset := cursor.Shard()

	var page []*model.Node
	for shardIdx < len(m.shards) && len(page) < cursor.PageSize {
		want := cursor.PageSize - len(page)
		nodes, err := m.shards[shardIdx].GetNodesByTypeOffset(nodeType, offset, want)
		if err != nil {
			return nil, err
		}
		page = append(page, nodes...)
		offset += len(nodes)
		if len(nodes) < want {
			// shard exhausted, move on
			shardIdx++
			offset = 0
		}
	}

	cursor.Advance(len(page))
	cursor.SetShard(shardIdx, offset)
	if shardIdx >= len(m.shards) {
		cursor.Complete()
	}
	return page, nil
}

// StreamNodesByType streams every node of the given type, fetching pageSize
// nodes per shard round so the full result set is never materialized.
func (m *Manager) StreamNodesByType(ctx context.Context, nodeType string, pageSize int) *stream.ResultStream[*model.Node] {
	sender, results := stream.New[*model.Node](pageSize)
	go func() {
		cursor := stream.NewCursor(pageSize)
		for cursor.HasMore {
			page, err := m.GetNodesByTypePage(nodeType, cursor)
			if err != nil {
				sender.SendError(ctx, err)
				return
			}
			for _, n := range page {
				if err := sender.Send(ctx, n); err != nil {
					sender.Close()
					return
				}
			}
		}
		sender.Close()
	}()
	return results
}

// StreamEdgesFrom streams the outgoing edges of one node.
func (m *Manager) StreamEdgesFrom(ctx context.Context, from uuid.UUID, edgeType string) *stream.ResultStream[*model.Edge] {
	sender, results := stream.New[*model.Edge](32)
	go func() {
		edges, err := m.GetEdgesFrom(from, edgeType)
		if err != nil {
			sender.SendError(ctx, err)
			return
		}
		for _, e := range edges {
			if err := sender.Send(ctx, e); err != nil {
				sender.Close()
				return
			}
		}
		sender.Close()
	}()
	return results
}
