package eventid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// Key is the native 64-bit ordering key for history events. Keys are assigned
// upstream in arrival order per partition and compare with plain integer
// ordering.
type Key uint64

// Zero is the unset key. No stored event carries it.
const Zero Key = 0

// MaxLegacy is the largest identifier representable in the legacy 53-bit
// encoding.
const MaxLegacy = 1<<53 - 1

// ErrBadLegacyID reports a legacy identifier that cannot be translated into a
// native Key.
var ErrBadLegacyID = errors.New("eventid: malformed legacy id")

// FromLegacy translates a legacy 53-bit identifier into a native Key.
// Zero and values above MaxLegacy are rejected.
func FromLegacy(id uint64) (Key, error) {
	if id == 0 || id > MaxLegacy {
		return Zero, fmt.Errorf("%w: %d", ErrBadLegacyID, id)
	}
	return Key(id), nil
}

// Legacy returns the legacy representation of the key and whether the key
// fits the legacy encoding.
func (k Key) Legacy() (uint64, bool) {
	if k == Zero || k > MaxLegacy {
		return 0, false
	}
	return uint64(k), true
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k == Zero }

// Compare returns -1, 0, 1 comparing k with other.
func (k Key) Compare(other Key) int {
	switch {
	case k < other:
		return -1
	case k > other:
		return 1
	}
	return 0
}

// String renders the key as a decimal string.
func (k Key) String() string { return strconv.FormatUint(uint64(k), 10) }

// Bytes returns the 8-byte big-endian representation, lexicographically
// ordered the same as the numeric key.
func (k Key) Bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(k))
	return b
}

// FromBytes decodes an 8-byte big-endian key.
func FromBytes(b []byte) (Key, bool) {
	if len(b) != 8 {
		return Zero, false
	}
	return Key(binary.BigEndian.Uint64(b)), true
}
