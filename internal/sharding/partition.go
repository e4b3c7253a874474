package sharding

import "github.com/spaolacci/murmur3"

// NumShardsFor computes the default shard id for key under a fixed shard
// count, using murmur3 for a better distribution than the teacher's
// original FNV-1a (internal/coordinator/shard_registry.go,
// internal/shard/shard.go), for callers that do not supply their own
// shardIdOf/entityIdOf partitioner.
func NumShardsFor(key string, numShards int) ShardId {
	if numShards <= 0 {
		return ShardId("0")
	}
	h := murmur3.Sum32([]byte(key))
	return ShardId(itoaUint32(h % uint32(numShards)))
}

func itoaUint32(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
