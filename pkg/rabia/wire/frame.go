package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jabolina/rabia/pkg/rabia/result"
)

// ErrFrameTooLarge is returned by ReadFrame when a peer's declared
// frame length exceeds maxFrameSize (spec.md section 6).
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds configured maximum size")

// WriteFrame writes payload as a 4-byte big-endian length prefix
// followed by the bytes themselves -- the framing spec.md section 4.4
// and section 6 require ("[u32 big-endian length][payload]").
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return result.Wrap(result.KindTransport, "write frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return result.Wrap(result.KindTransport, "write frame payload", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting any payload
// larger than maxFrameSize.
func ReadFrame(r io.Reader, maxFrameSize int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, result.Wrap(result.KindTransport, "read frame header", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if maxFrameSize > 0 && int(size) > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, result.Wrap(result.KindTransport, "read frame payload", err)
	}
	return payload, nil
}

// WriteEnvelope serializes and frames a message in one call.
func WriteEnvelope(w io.Writer, s Serializer, msg interface{}) error {
	env, err := Encode(s, msg)
	if err != nil {
		return result.Wrap(result.KindSerializer, "encode envelope", err)
	}
	framed, err := s.Marshal(env)
	if err != nil {
		return result.Wrap(result.KindSerializer, "marshal envelope", err)
	}
	return WriteFrame(w, framed)
}

// ReadEnvelope reads one frame and decodes it into its concrete
// message type.
func ReadEnvelope(r io.Reader, s Serializer, maxFrameSize int) (interface{}, error) {
	raw, err := ReadFrame(r, maxFrameSize)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := s.Unmarshal(raw, &env); err != nil {
		return nil, result.Wrap(result.KindSerializer, "unmarshal envelope", err)
	}
	return Decode(s, env)
}
