package wire

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/jabolina/rabia/pkg/rabia/result"
)

// Serializer is the pluggable binary serializer/deserializer pair the
// protocol core consumes (spec.md section 1): it must round-trip every
// tagged message and primitive type used on the wire. The protocol
// itself never depends on a specific backend -- Kryo/Fury-equivalents
// are out of scope; MsgpackSerializer below is the one concrete
// implementation this module ships.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// MsgpackSerializer implements Serializer on top of
// hashicorp/go-msgpack, the same codec hashicorp's own Raft/Serf wire
// protocols use for RPC payloads.
type MsgpackSerializer struct {
	handle codec.MsgpackHandle
}

// NewMsgpackSerializer builds the default wire Serializer.
func NewMsgpackSerializer() *MsgpackSerializer {
	s := &MsgpackSerializer{}
	s.handle.RawToString = true
	return s
}

func (s *MsgpackSerializer) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &s.handle)
	if err := enc.Encode(v); err != nil {
		return nil, result.Wrap(result.KindSerializer, "marshal", err)
	}
	return buf.Bytes(), nil
}

func (s *MsgpackSerializer) Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), &s.handle)
	if err := dec.Decode(v); err != nil {
		return result.Wrap(result.KindSerializer, "unmarshal", err)
	}
	return nil
}
