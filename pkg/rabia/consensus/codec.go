package consensus

import (
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

// storedPhase is the durable encoding of one committed phase, used
// both for the on-disk committedLog and to rebuild wire.Decide entries
// when answering a StateRequest.
type storedPhase struct {
	Value wire.Value
	Batch wire.Batch
}

func encodeStoredPhase(s wire.Serializer, value wire.Value, batch wire.Batch) ([]byte, error) {
	return s.Marshal(storedPhase{Value: value, Batch: batch})
}

func decodeStoredPhase(s wire.Serializer, data []byte) (wire.Value, wire.Batch, error) {
	var sp storedPhase
	if err := s.Unmarshal(data, &sp); err != nil {
		return wire.Unknown, wire.Batch{}, err
	}
	return sp.Value, sp.Batch, nil
}
