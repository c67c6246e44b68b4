package repository

import "github.com/cespare/xxhash/v2"

// DefaultShardCount is the number of node directory shards.
const DefaultShardCount = 256

// ShardFor maps a project onto one of shardCount node shards.
// shardCount must be a power of two.
func ShardFor(projectID string, shardCount int) int {
	return int(xxhash.Sum64String(projectID) & uint64(shardCount-1))
}
