package core

import "hash/fnv"

func Hash(value []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(value)
	return hash.Sum32()
}

func Partition(key []byte, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	return int(Hash(key) % uint32(numPartitions))
}
