package codec

import (
	"testing"

	"swarmdrive/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicEncoding(t *testing.T) {
	a := map[string]int{"b": 2, "a": 1, "c": 3}
	b := map[string]int{"c": 3, "a": 1, "b": 2}

	first, err := Marshal(a)
	require.NoError(t, err)
	second, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestKeysEncodeAsHexText(t *testing.T) {
	var key types.Key
	key[0] = 0xfe

	type record struct {
		Key types.Key `cbor:"key"`
	}

	data, err := Marshal(record{Key: key})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, Unmarshal(data, &generic))
	assert.Equal(t, key.String(), generic["key"])

	var decoded record
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, key, decoded.Key)
}

func TestGRPCCodecName(t *testing.T) {
	assert.Equal(t, "cbor", GRPC{}.Name())
}
