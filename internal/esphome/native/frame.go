package native

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	preamblePlaintext = 0x00
	preambleNoise     = 0x01

	// maxFrameSize caps one message body.
	maxFrameSize = 1 << 20
)

// frame is one plaintext API message: 0x00, varint length, varint type,
// then the protobuf body.
type frame struct {
	typ     uint32
	payload []byte
}

func appendFrame(b []byte, typ uint32, payload []byte) []byte {
	b = append(b, preamblePlaintext)
	b = protowire.AppendVarint(b, uint64(len(payload)))
	b = protowire.AppendVarint(b, uint64(typ))
	return append(b, payload...)
}

func readFrame(r *bufio.Reader) (frame, error) {
	pre, err := r.ReadByte()
	if err != nil {
		return frame{}, err
	}
	switch pre {
	case preamblePlaintext:
	case preambleNoise:
		return frame{}, ErrEncryptionRequired
	default:
		return frame{}, fmt.Errorf("%w: preamble 0x%02x", ErrProtocol, pre)
	}

	size, err := binary.ReadUvarint(r)
	if err != nil {
		return frame{}, fmt.Errorf("%w: reading length: %v", ErrProtocol, err)
	}
	if size > maxFrameSize {
		return frame{}, fmt.Errorf("%w: frame of %d bytes", ErrProtocol, size)
	}
	typ, err := binary.ReadUvarint(r)
	if err != nil {
		return frame{}, fmt.Errorf("%w: reading type: %v", ErrProtocol, err)
	}
	if typ > 1<<16 {
		return frame{}, fmt.Errorf("%w: message type %d", ErrProtocol, typ)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}
	return frame{typ: uint32(typ), payload: payload}, nil
}
