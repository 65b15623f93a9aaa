package statemachine

import "github.com/jabolina/rabia/pkg/rabia/wire"

// MarshalSnapshot encodes the current store for state transfer, per
// spec.md section 4.5's "Recovery/state transfer". KV implements this
// optional capability rather than StateMachine requiring it, since not
// every application can cheaply produce a full snapshot.
func (k *KV) MarshalSnapshot(s wire.Serializer) ([]byte, error) {
	return s.Marshal(k.Snapshot())
}

// UnmarshalSnapshot replaces the store with a previously marshaled one.
func (k *KV) UnmarshalSnapshot(s wire.Serializer, data []byte) error {
	var snapshot map[string]string
	if err := s.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	k.LoadSnapshot(snapshot)
	return nil
}
