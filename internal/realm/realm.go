// Package realm manages realm metadata records. A realm is the outermost
// partition component: every guild history cache lives under exactly one
// realm.
package realm

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/histore/histore/internal/storage/pebble"
)

// Meta holds realm metadata and optional limits/overrides.
type Meta struct {
	Name            string `json:"name"`
	CreatedAtMs     int64  `json:"createdAtMs"`
	PayloadMaxBytes int    `json:"payloadMaxBytes"`
}

// Defaults returns defaults for new realms. A zero PayloadMaxBytes means the
// realm inherits the configured global cap.
func Defaults() Meta {
	return Meta{}
}

var realmMetaPrefix = []byte("realmmeta/")

// metaKey builds the metadata key for a realm.
func metaKey(name string) []byte {
	k := make([]byte, 0, len(realmMetaPrefix)+len(name))
	k = append(k, realmMetaPrefix...)
	k = append(k, name...)
	return k
}

// EnsureRealm creates a realm meta record if absent, returning the effective
// meta. Idempotent: returns existing if already present.
func EnsureRealm(db *pebblestore.DB, name string) (Meta, error) {
	key := metaKey(name)
	if b, err := db.Get(key); err == nil && len(b) > 0 {
		var m Meta
		if err := json.Unmarshal(b, &m); err == nil {
			return m, nil
		}
		// fallthrough to rewrite if corrupted
	}
	m := Defaults()
	m.Name = name
	m.CreatedAtMs = time.Now().UnixMilli()
	bytes, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(key, bytes); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// List returns the names of all known realms.
func List(db *pebblestore.DB) ([]string, error) {
	hi := append(append([]byte{}, realmMetaPrefix...), 0xFF)
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: realmMetaPrefix, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	var out []string
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if len(k) > len(realmMetaPrefix) {
			out = append(out, string(k[len(realmMetaPrefix):]))
		}
	}
	return out, nil
}

// Get returns the realm meta when present.
func Get(db *pebblestore.DB, name string) (Meta, bool, error) {
	b, err := db.Get(metaKey(name))
	if err != nil || len(b) == 0 {
		return Meta{}, false, nil
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, false, err
	}
	return m, true, nil
}
