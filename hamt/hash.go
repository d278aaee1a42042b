package hamt

import (
	"github.com/minio/blake2b-simd"
	"github.com/minio/sha256-simd"
)

// Sha256Hash is the facade's default key-hash function.
func Sha256Hash(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

// Blake2b256Hash is offered as an alternative key-hash function; it is also
// what every node serialization is content-addressed with regardless of
// which key-hash function a given Hamt instance uses.
func Blake2b256Hash(key []byte) []byte {
	sum := blake2b.Sum256(key)
	return sum[:]
}
