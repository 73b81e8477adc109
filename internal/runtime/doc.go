// Package runtime wires storage, configuration and history caches for a
// single-node instance. Caches are memoized per (realm, guild) so every
// consumer shares one listener registry per guild.
package runtime
