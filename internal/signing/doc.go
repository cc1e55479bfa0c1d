// Package signing signs and verifies canonical JSON objects.
//
// Signatures are Ed25519 over the canonical form of an object with its
// signatures and unsigned fields stripped. Verification aggregates per
// signer: any invalid signature dominates, then any missing one, otherwise
// the object is valid for all acceptable signers.
package signing
