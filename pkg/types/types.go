package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the length of a drive public key in bytes.
const KeySize = 32

// discoveryNamespace is hashed under the drive key to derive its discovery key.
var discoveryNamespace = []byte("swarmdrive")

// Key is a drive's ed25519 public key.
type Key [KeySize]byte

// DiscoveryKey is the swarm topic for a drive. It is derived from the
// public key and does not reveal it.
type DiscoveryKey [KeySize]byte

// SessionID identifies a remote session bound to one open drive.
// The zero value never identifies a session.
type SessionID uint64

// String returns the hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a hex encoded drive key.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(KeySize) {
		return k, fmt.Errorf("%w: key %q must be %d hex characters", ErrKeyEncoding, s, hex.EncodedLen(KeySize))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("%w: key %q: %v", ErrKeyEncoding, s, err)
	}
	return k, nil
}

// KeyFromBytes copies a raw public key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: key must be %d bytes, got %d", ErrKeyEncoding, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// DiscoveryKeyOf derives the discovery key for a drive key.
func DiscoveryKeyOf(k Key) DiscoveryKey {
	h, err := blake2b.New256(k[:])
	if err != nil {
		// Only returned for keys longer than 64 bytes.
		panic("types: blake2b keyed hash: " + err.Error())
	}
	h.Write(discoveryNamespace)
	var dk DiscoveryKey
	copy(dk[:], h.Sum(nil))
	return dk
}

func (dk DiscoveryKey) String() string {
	return hex.EncodeToString(dk[:])
}

func (dk DiscoveryKey) MarshalText() ([]byte, error) {
	return []byte(dk.String()), nil
}

func (dk *DiscoveryKey) UnmarshalText(text []byte) error {
	parsed, err := ParseDiscoveryKey(string(text))
	if err != nil {
		return err
	}
	*dk = parsed
	return nil
}

// ParseDiscoveryKey decodes a hex encoded discovery key.
func ParseDiscoveryKey(s string) (DiscoveryKey, error) {
	k, err := ParseKey(s)
	return DiscoveryKey(k), err
}

// Identity is the full address of a drive: its key, optionally pinned to a
// version checkpoint and content hash.
type Identity struct {
	Key     Key
	Version uint64
	Hash    []byte
}

// String returns the canonical identity string used as the registry cache
// key: "<hex key>[+<version>[+<hex hash>]]".
func (id Identity) String() string {
	var b strings.Builder
	b.WriteString(id.Key.String())
	if id.Version == 0 && len(id.Hash) == 0 {
		return b.String()
	}
	b.WriteByte('+')
	b.WriteString(strconv.FormatUint(id.Version, 10))
	if len(id.Hash) > 0 {
		b.WriteByte('+')
		b.WriteString(hex.EncodeToString(id.Hash))
	}
	return b.String()
}

// Equal reports whether two identities name the same drive checkout.
func (id Identity) Equal(other Identity) bool {
	return id.Key == other.Key && id.Version == other.Version && bytes.Equal(id.Hash, other.Hash)
}

// ParseIdentity parses a canonical identity string. It is also the format
// of a by-key path segment.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	parts := strings.Split(s, "+")
	if len(parts) > 3 {
		return id, fmt.Errorf("%w: %q has too many components", ErrKeyEncoding, s)
	}

	key, err := ParseKey(parts[0])
	if err != nil {
		return id, err
	}
	id.Key = key

	if len(parts) > 1 {
		version, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return id, fmt.Errorf("%w: invalid version %q", ErrKeyEncoding, parts[1])
		}
		id.Version = version
	}

	if len(parts) > 2 {
		hash, err := hex.DecodeString(parts[2])
		if err != nil || len(hash) == 0 {
			return id, fmt.Errorf("%w: invalid hash %q", ErrKeyEncoding, parts[2])
		}
		id.Hash = hash
	}

	return id, nil
}
