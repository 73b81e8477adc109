// Package eventid defines the native ordering key for history events and the
// translation from legacy 53-bit identifiers.
//
// A Key totally orders all events within one (realm, guild, category)
// partition; equal keys denote the identical event. Legacy clients address
// events with identifiers packed into 53 bits (they survived a float64
// round-trip in the old pipeline), so ParseLegacy rejects anything outside
// that range rather than guessing.
package eventid
