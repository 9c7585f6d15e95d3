package integrity

import (
	"encoding/hex"
	"fmt"
	"time"
)

func timeOfMicros(micros uint64) time.Time {
	return time.UnixMicro(int64(micros)).UTC()
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("decoding digest: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("digest has length %d, want 32", len(b))
	}
	copy(out[:], b)
	return out, nil
}
