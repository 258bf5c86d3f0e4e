package codec

import (
	"encoding/json"

	"github.com/pkg/errors"

	"sync-rpc/message"
)

// JSONCodec encodes messages with their JSON tags. Readable on the wire, which helps
// when debugging a peer written in another language.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok || msg == nil {
		return nil, errors.New("JSONCodec: v must be *message.Message")
	}
	data, err := json.Marshal(msg)
	return data, errors.Wrapf(err, "JSONCodec: encode %s", msg.Kind)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok || msg == nil {
		return errors.New("JSONCodec: v must be *message.Message")
	}
	return errors.Wrap(json.Unmarshal(data, msg), "JSONCodec: decode")
}

func (c *JSONCodec) Type() CodecType { return CodecTypeJSON }
