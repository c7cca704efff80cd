package shard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardForKeyDeterministicAndInRange(t *testing.T) {
	for n := 1; n <= 16; n *= 2 {
		for i := 0; i < 200; i++ {
			key := []byte(fmt.Sprintf("key-%d", i))
			first := ShardForKey(key, n)
			assert.GreaterOrEqual(t, first, 0)
			assert.Less(t, first, n)
			assert.Equal(t, first, ShardForKey(key, n))
		}
	}
}

func TestShardForKeyRejectsInvalidCount(t *testing.T) {
	assert.Panics(t, func() { ShardForKey([]byte("k"), 0) })
	assert.Panics(t, func() { ShardForKey([]byte("k"), -1) })
}

func TestRingDeterministic(t *testing.T) {
	a := NewRing(100)
	b := NewRing(100)
	for i := 0; i < 8; i++ {
		a.AddNode(i)
		b.AddNode(i)
	}
	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		assert.Equal(t, a.GetNode(key), b.GetNode(key))
	}
}

func TestRingDistribution(t *testing.T) {
	ring := NewRing(150)
	const numShards = 4
	for i := 0; i < numShards; i++ {
		ring.AddNode(i)
	}

	counts := make([]int, numShards)
	for i := 0; i < 4000; i++ {
		counts[ring.GetNode([]byte(fmt.Sprintf("key-%d", i)))]++
	}
	for id, c := range counts {
		assert.Greater(t, c, 400, "shard %d starved: %d keys", id, c)
	}
}

func TestRingBoundedRemapOnRemove(t *testing.T) {
	ring := NewRing(150)
	for i := 0; i < 4; i++ {
		ring.AddNode(i)
	}

	before := make(map[string]int)
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("key-%d", i)
		before[key] = ring.GetNode([]byte(key))
	}

	ring.RemoveNode(3)

	moved := 0
	for key, owner := range before {
		newOwner := ring.GetNode([]byte(key))
		if owner == 3 {
			require.NotEqual(t, 3, newOwner, "key %s still routed to removed shard", key)
		} else {
			if newOwner != owner {
				moved++
			}
		}
	}
	assert.Zero(t, moved, "removing a shard must only move that shard's keys")
}

func TestRingBoundedRemapOnAdd(t *testing.T) {
	ring := NewRing(150)
	for i := 0; i < 4; i++ {
		ring.AddNode(i)
	}

	before := make(map[string]int)
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("key-%d", i)
		before[key] = ring.GetNode([]byte(key))
	}

	ring.AddNode(4)

	moved := 0
	for key, owner := range before {
		newOwner := ring.GetNode([]byte(key))
		if newOwner != owner {
			require.Equal(t, 4, newOwner, "key %s moved to a shard other than the new one", key)
			moved++
		}
	}
	// Roughly 1/5 of the keyspace should land on the new shard.
	assert.Less(t, moved, 1000, "adding one shard remapped too much of the keyspace")
	assert.Greater(t, moved, 0)
}

func TestRingEmpty(t *testing.T) {
	ring := NewRing(10)
	assert.Equal(t, 0, ring.GetNode([]byte("anything")))
}
