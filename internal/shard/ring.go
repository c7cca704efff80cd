package shard

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ShardForKey is the stateless routing helper: a pure function of the key
// and the shard count. Suitable when the shard set is fixed. numShards must
// be positive.
func ShardForKey(key []byte, numShards int) int {
	if numShards <= 0 {
		panic(fmt.Sprintf("shard: invalid shard count %d", numShards))
	}
	return int(xxhash.Sum64(key) % uint64(numShards))
}

type ringPoint struct {
	hash  uint64
	shard int
}

// Ring is a consistent hash ring. Every shard registers virtualNodes
// pseudo-random positions so that adding or removing a shard only remaps
// the keys owned by that shard's positions, not the whole keyspace.
type Ring struct {
	virtualNodes int
	points       []ringPoint // sorted by hash
}

func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = 150
	}
	return &Ring{virtualNodes: virtualNodes}
}

func (r *Ring) virtualHash(shardID, replica int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("shard_%d_%d", shardID, replica))
}

func (r *Ring) AddNode(shardID int) {
	for i := 0; i < r.virtualNodes; i++ {
		r.points = append(r.points, ringPoint{hash: r.virtualHash(shardID, i), shard: shardID})
	}
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i].hash < r.points[j].hash
	})
}

func (r *Ring) RemoveNode(shardID int) {
	kept := r.points[:0]
	for _, p := range r.points {
		if p.shard != shardID {
			kept = append(kept, p)
		}
	}
	r.points = kept
}

// GetNode walks clockwise: the owner is the first ring position >= hash(key),
// wrapping to the smallest position when none is found.
func (r *Ring) GetNode(key []byte) int {
	if len(r.points) == 0 {
		return 0
	}
	h := xxhash.Sum64(key)
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].shard
}
