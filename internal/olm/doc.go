// Package olm is the crypto primitive layer of the engine: account
// identity and one-time keys, pairwise double-ratchet sessions and group
// ratchet sessions, all with opaque pickled state.
//
// The engines above this package only use its exported surface; the
// ratchet internals never leak into stored or wire types.
package olm
