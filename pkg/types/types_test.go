package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) Key {
	var k Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestIdentityString(t *testing.T) {
	key := testKey(0xab)
	hexKey := strings.Repeat("ab", KeySize)

	tests := []struct {
		name     string
		identity Identity
		expected string
	}{
		{"KeyOnly", Identity{Key: key}, hexKey},
		{"WithVersion", Identity{Key: key, Version: 7}, hexKey + "+7"},
		{"WithVersionAndHash", Identity{Key: key, Version: 7, Hash: []byte{0x01, 0xff}}, hexKey + "+7+01ff"},
		{"HashWithoutVersion", Identity{Key: key, Hash: []byte{0x02}}, hexKey + "+0+02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.identity.String())

			parsed, err := ParseIdentity(tt.expected)
			require.NoError(t, err)
			assert.True(t, parsed.Equal(tt.identity))
		})
	}
}

func TestParseIdentityRejectsMalformedInput(t *testing.T) {
	hexKey := strings.Repeat("ab", KeySize)

	inputs := []string{
		"",
		"not-a-key",
		hexKey[:10],
		strings.Repeat("zz", KeySize),
		hexKey + "+notanumber",
		hexKey + "+1+xyz",
		hexKey + "+1+",
		hexKey + "+1+00+extra",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParseIdentity(input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrKeyEncoding)
		})
	}
}

func TestDiscoveryKeyIsStableAndDistinct(t *testing.T) {
	a := testKey(1)
	b := testKey(2)

	assert.Equal(t, DiscoveryKeyOf(a), DiscoveryKeyOf(a))
	assert.NotEqual(t, DiscoveryKeyOf(a), DiscoveryKeyOf(b))
	assert.NotEqual(t, [KeySize]byte(a), [KeySize]byte(DiscoveryKeyOf(a)))
}

func TestKeyTextRoundTrip(t *testing.T) {
	key := testKey(0x3c)
	text, err := key.MarshalText()
	require.NoError(t, err)

	var decoded Key
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, key, decoded)

	assert.Error(t, decoded.UnmarshalText([]byte("short")))
}
