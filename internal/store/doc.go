// Package store provides persistence for the engine's cryptographic state.
//
// It contains concrete implementations of the domain storage interfaces.
// MemoryStore keeps everything in process and honors the per-key atomic
// read-modify-write guarantee through a key-addressed lock table. FileStore
// wraps it with an encrypted state file under the user's configured home
// directory: the whole state is serialised as JSON and sealed with a key
// derived from the passphrase.
package store
