package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/mem"
)

// CodecName is the gRPC content subtype of the codec.
const CodecName = "cbor"

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	mode, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("create CBOR encoder mode: %v", err))
	}

	return mode
}

func mustDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeFor[map[string]any](),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("create CBOR decoder mode: %v", err))
	}

	return mode
}

// Codec is the gRPC codec of the service.
type Codec struct{}

// Marshal encodes a message.
func (Codec) Marshal(v any) (mem.BufferSlice, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}

	return mem.BufferSlice{mem.SliceBuffer(data)}, nil
}

// Unmarshal decodes a message.
func (Codec) Unmarshal(data mem.BufferSlice, v any) error {
	return decMode.Unmarshal(data.Materialize(), v)
}

// Name returns the content subtype.
func (Codec) Name() string {
	return CodecName
}

// Encode builds an argument or payload document.
func Encode(v any) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}

	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	return data, nil
}

// Decode reads an argument or payload document. An empty document leaves v untouched.
func Decode(raw cbor.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}

	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}

	return nil
}
