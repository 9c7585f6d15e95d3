package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Algorithm names a MAC primitive usable for a secret generation's
// key_new or key_old. The dual-algorithm pairing (HMAC-SHA256 for the
// current generation, HMAC-SHA3-256 for the previous one) lets a
// generation rollover also migrate primitive, not just key material.
type Algorithm string

const (
	AlgorithmHMACSHA256   Algorithm = "hmac-sha256"
	AlgorithmHMACSHA3_256 Algorithm = "hmac-sha3-256"
)

func newMAC(algorithm Algorithm, key []byte) (hash.Hash, error) {
	switch algorithm {
	case AlgorithmHMACSHA256:
		return hmac.New(sha256.New, key), nil
	case AlgorithmHMACSHA3_256:
		return hmac.New(sha3.New256, key), nil
	default:
		return nil, fmt.Errorf("integrity: unknown mac algorithm %q", algorithm)
	}
}

func sealMessage(level int, shardKey string, root [32]byte, generation int) []byte {
	buf := make([]byte, 0, 8+len(shardKey)+32+8)
	var levelBE [8]byte
	binary.BigEndian.PutUint64(levelBE[:], uint64(level))
	buf = append(buf, levelBE[:]...)
	buf = append(buf, shardKey...)
	buf = append(buf, root[:]...)
	var genBE [8]byte
	binary.BigEndian.PutUint64(genBE[:], uint64(generation))
	return append(buf, genBE[:]...)
}

// Seal computes MAC(key, level || shard_key || root || generation) under
// algorithm.
func Seal(algorithm Algorithm, key []byte, level int, shardKey string, root [32]byte, generation int) ([]byte, error) {
	h, err := newMAC(algorithm, key)
	if err != nil {
		return nil, err
	}
	h.Write(sealMessage(level, shardKey, root, generation))
	return h.Sum(nil), nil
}

// VerifySeal reports whether seal is the valid MAC for the given inputs.
func VerifySeal(algorithm Algorithm, key []byte, level int, shardKey string, root [32]byte, generation int, seal []byte) (bool, error) {
	expected, err := Seal(algorithm, key, level, shardKey, root, generation)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, seal), nil
}
