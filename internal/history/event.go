package history

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/histore/histore/pkg/eventid"
)

// Event is a single stored guild-history event. The ID totally orders all
// events within one (realm, guild, category) partition; equal ids denote the
// identical event.
type Event struct {
	ID          eventid.Key
	TimestampMs int64
	// Category is not encoded in the value; the cache stamps it from the
	// keyspace on read and on listener fan-out.
	Category uint32
	Payload  []byte
}

// Value encoding: varint headerLen | header | payload | crc32c(header|payload).
// The header carries the 8-byte big-endian timestamp.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeEvent renders the storable value for an event.
func EncodeEvent(ev Event) []byte {
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(ev.TimestampMs))

	out := make([]byte, 0, 10+len(header)+len(ev.Payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header[:]...)
	out = append(out, ev.Payload...)

	crc := crc32.Update(0, castagnoli, header[:])
	crc = crc32.Update(crc, castagnoli, ev.Payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

// DecodeEvent parses a stored value. The id comes from the key, not the value.
func DecodeEvent(id eventid.Key, b []byte) (Event, bool) {
	if len(b) < 1+4 {
		return Event{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return Event{}, false
	}
	if int(n)+int(hlen)+4 > len(b) {
		return Event{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Event{}, false
	}
	var ts int64
	if len(header) >= 8 {
		ts = int64(binary.BigEndian.Uint64(header[:8]))
	}
	return Event{
		ID:          id,
		TimestampMs: ts,
		Payload:     append([]byte(nil), payload...),
	}, true
}
