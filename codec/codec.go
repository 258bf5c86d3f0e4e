// Package codec serializes message.Message values for transports that cannot share
// Go values directly: stream ports encode with it, and the in-process pipe runs every
// message through a round trip so that the receiver never aliases the sender's memory.
package codec

import (
	"github.com/pkg/errors"
)

// CodecType is the codec byte carried in every stream frame header.
type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// ParseCodecType maps a codec name ("json", "binary") onto its type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "binary", "":
		return CodecTypeBinary, nil
	default:
		return 0, errors.Errorf("codec: unknown codec %q", name)
	}
}

// Codec converts a *message.Message to bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. Unknown types get the binary codec; frame
// headers with other codec bytes are rejected before a codec is chosen.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &BinaryCodec{}
}
