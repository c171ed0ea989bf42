package shard

import (
	"hash/fnv"
	"strconv"
)

// DefaultPartitions bounds the number of fields per partitioned hash.
const DefaultPartitions = 1000

// ForKey returns the partition of key. The hash is stable across processes
// and restarts, which keeps partitioned keys addressable by every writer.
func ForKey(key string, partitions int) int {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

type Partitioner interface {
	Partition(id string) int
}

// Fixed partitions ids into count buckets.
type Fixed int

func (f Fixed) Partition(id string) int { return ForKey(id, int(f)) }

// Key builds "<prefix>:<partition>" for id.
func Key(p Partitioner, prefix, id string) string {
	return prefix + ":" + strconv.Itoa(p.Partition(id))
}
