package history

import (
	"encoding/binary"

	"github.com/histore/histore/pkg/eventid"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - realm/{realm}/hist/{guild_be8}/{cat_be4}/m
// - realm/{realm}/hist/{guild_be8}/{cat_be4}/e/{id_be8}

var (
	sep         = byte('/')
	realmPrefix = []byte("realm/")
	histSeg     = []byte("/hist/")
	metaSuffix  = []byte("/m")
	eventSeg    = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyCategoryBase(realm string, guildID uint64, category uint32) []byte {
	k := make([]byte, 0, len(realm)+40)
	k = append(k, realmPrefix...)
	k = append(k, realm...)
	k = append(k, histSeg...)
	k = appendBE8(k, guildID)
	k = append(k, sep)
	k = appendBE4(k, category)
	return k
}

// KeyCategoryMeta builds the category metadata key.
func KeyCategoryMeta(realm string, guildID uint64, category uint32) []byte {
	return append(keyCategoryBase(realm, guildID, category), metaSuffix...)
}

// KeyEvent builds the event key with a big-endian id for proper ordering.
func KeyEvent(realm string, guildID uint64, category uint32, id eventid.Key) []byte {
	k := append(keyCategoryBase(realm, guildID, category), eventSeg...)
	return append(k, id.Bytes()...)
}

// eventIDFromKey recovers the event id from the trailing 8 bytes of an event key.
func eventIDFromKey(k []byte) eventid.Key {
	if len(k) < 8 {
		return eventid.Zero
	}
	id, ok := eventid.FromBytes(k[len(k)-8:])
	if !ok {
		return eventid.Zero
	}
	return id
}
