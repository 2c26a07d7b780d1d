package remote

import (
	"github.com/vmihailenco/msgpack"
	"google.golang.org/grpc/encoding"
)

// codecName is the grpc content subtype of journal messages.
const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

func (codec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

func (codec) Name() string { return codecName }
