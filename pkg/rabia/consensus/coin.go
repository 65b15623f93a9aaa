package consensus

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// coin is the common pseudo-random function every honest replica
// evaluates identically for (phase, round), used as the fallback input
// to the next round when State2 carries no usable signal (spec.md
// section 4.5 step 4). hash(phase||round) mod 2, per the spec's own
// suggested construction.
func coin(phase int64, round uint64) wire.Value {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(phase))
	binary.BigEndian.PutUint64(buf[8:], round)
	sum := sha256.Sum256(buf[:])
	if sum[0]%2 == 0 {
		return wire.Zero
	}
	return wire.One
}
