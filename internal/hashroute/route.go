package hashroute

import "hash/crc32"

// DefaultPartitionCount matches the vbucket count of a default set.
const DefaultPartitionCount = 1024

// PartitionForKey maps a document key onto one of n partitions using the
// vbucket hash: the upper 15 bits of the key's CRC32.
func PartitionForKey(key []byte, n int) int {
	if n <= 0 {
		n = DefaultPartitionCount
	}
	h := crc32.ChecksumIEEE(key)
	return int((h>>16)&0x7fff) % n
}
