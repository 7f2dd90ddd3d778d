package core

import (
	"crypto/md5"
	"encoding/binary"
)

// Sharder maps a salted subject key into the bucket space [0, totalShards).
// Implementations must be deterministic across processes.
type Sharder interface {
	Shard(input string, totalShards int) int
}

// MD5Sharder reads the first four bytes of the MD5 digest as a big-endian
// integer, which is the same as parsing the first eight hex characters.
type MD5Sharder struct{}

func (MD5Sharder) Shard(input string, totalShards int) int {
	if totalShards <= 0 {
		return 0
	}
	sum := md5.Sum([]byte(input))
	n := binary.BigEndian.Uint32(sum[:4])
	return int(uint64(n) % uint64(totalShards))
}

// ShardKey builds the hashed input for one shard predicate.
func ShardKey(salt, subjectKey string) string {
	return salt + "-" + subjectKey
}

func matchesShard(sharder Sharder, shard Shard, subjectKey string) bool {
	if shard.TotalShards <= 0 {
		return false
	}
	bucket := sharder.Shard(ShardKey(shard.Salt, subjectKey), shard.TotalShards)
	for _, r := range shard.Ranges {
		if bucket >= r.Start && bucket < r.End {
			return true
		}
	}
	return false
}

// matchesSplit requires every shard to match. A split without shards is a
// full rollout.
func matchesSplit(sharder Sharder, split Split, subjectKey string) bool {
	for _, shard := range split.Shards {
		if !matchesShard(sharder, shard, subjectKey) {
			return false
		}
	}
	return true
}
