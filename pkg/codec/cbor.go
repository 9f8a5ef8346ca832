// Package codec provides the deterministic CBOR encoding shared by the
// persisted registries and the RPC transport.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Name is the gRPC content subtype under which the codec registers.
const Name = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Keys and discovery keys implement TextMarshaler; store them as hex.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// GRPC is a grpc encoding.Codec backed by the same CBOR modes.
type GRPC struct{}

func (GRPC) Marshal(v any) ([]byte, error) { return Marshal(v) }

func (GRPC) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }

func (GRPC) Name() string { return Name }
