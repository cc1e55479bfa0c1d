package interfaces

import (
	"context"

	domaintypes "nacre/internal/domain/types"
)

// SessionStore owns all persisted session and account state. Every Update
// method applies its updater under a per-key atomic read-modify-write
// guarantee: at most one in-flight mutation per logical key, so ratchet
// state is never advanced concurrently from the same snapshot. Updaters
// must be pure apart from captured result variables; returning an error
// aborts the update and leaves the old state in place.
type SessionStore interface {
	// Account returns the pickled Olm account, or "" if none exists yet.
	Account(ctx context.Context) (string, error)
	// UpdateAccount replaces the pickled account atomically.
	UpdateAccount(ctx context.Context, update func(old string) (string, error)) error

	// OlmSessions lists stored sessions for a peer identity key,
	// most-recently-used first.
	OlmSessions(ctx context.Context, identityKey domaintypes.Curve25519Key) ([]domaintypes.StoredOlmSession, error)
	// UpdateOlmSessions mutates the session list for one identity key.
	UpdateOlmSessions(ctx context.Context, identityKey domaintypes.Curve25519Key, update func(old []domaintypes.StoredOlmSession) ([]domaintypes.StoredOlmSession, error)) error

	// OutboundMegolmSession returns the active group session for a room,
	// or nil.
	OutboundMegolmSession(ctx context.Context, roomID domaintypes.RoomID) (*domaintypes.StoredOutboundMegolmSession, error)
	// UpdateOutboundMegolmSession mutates a room's outbound session.
	// Returning nil destroys it.
	UpdateOutboundMegolmSession(ctx context.Context, roomID domaintypes.RoomID, update func(old *domaintypes.StoredOutboundMegolmSession) (*domaintypes.StoredOutboundMegolmSession, error)) error

	// InboundMegolmSession returns a received group session, or nil.
	InboundMegolmSession(ctx context.Context, roomID domaintypes.RoomID, sessionID domaintypes.SessionID, senderKey domaintypes.Curve25519Key) (*domaintypes.StoredInboundMegolmSession, error)
	// UpdateInboundMegolmSession creates or mutates a received group session.
	UpdateInboundMegolmSession(ctx context.Context, roomID domaintypes.RoomID, sessionID domaintypes.SessionID, senderKey domaintypes.Curve25519Key, update func(old *domaintypes.StoredInboundMegolmSession) (*domaintypes.StoredInboundMegolmSession, error)) error

	// UpdateMegolmMessageIndex performs the per-(room, session, index)
	// atomic check-and-insert backing replay protection.
	UpdateMegolmMessageIndex(ctx context.Context, roomID domaintypes.RoomID, sessionID domaintypes.SessionID, index uint32, update func(old *domaintypes.MegolmMessageIndex) (*domaintypes.MegolmMessageIndex, error)) error
}

// KeyStore caches device and cross-signing keys of all users, plus the
// local user's verification marks.
type KeyStore interface {
	// DeviceKeys returns all cached device keys of a user.
	DeviceKeys(ctx context.Context, userID domaintypes.UserID) (map[domaintypes.DeviceID]domaintypes.DeviceKeys, error)
	// DeviceCurveKey resolves a device's Curve25519 identity key.
	DeviceCurveKey(ctx context.Context, userID domaintypes.UserID, deviceID domaintypes.DeviceID) (domaintypes.Curve25519Key, bool, error)
	// DeviceEdKey resolves a device's Ed25519 signing key.
	DeviceEdKey(ctx context.Context, userID domaintypes.UserID, deviceID domaintypes.DeviceID) (domaintypes.Ed25519Key, bool, error)
	// FindDeviceKeysBySenderKey resolves device keys by the claimed sender
	// Curve25519 key, or nil if no device of the user owns it.
	FindDeviceKeysBySenderKey(ctx context.Context, userID domaintypes.UserID, senderKey domaintypes.Curve25519Key) (*domaintypes.DeviceKeys, error)

	// CrossSigningKeys returns a user's published cross-signing keys.
	CrossSigningKeys(ctx context.Context, userID domaintypes.UserID) ([]domaintypes.CrossSigningKeys, error)

	// VerificationState returns the local user's explicit mark on a key.
	VerificationState(ctx context.Context, userID domaintypes.UserID, key domaintypes.Ed25519Key) (domaintypes.VerificationState, error)
	// SetVerificationState records an explicit mark.
	SetVerificationState(ctx context.Context, userID domaintypes.UserID, key domaintypes.Ed25519Key, state domaintypes.VerificationState) error
	// PreviouslyVerifiedMasterKey returns the master key value the local
	// user last verified for userID, if any.
	PreviouslyVerifiedMasterKey(ctx context.Context, userID domaintypes.UserID) (domaintypes.Ed25519Key, bool, error)

	// WaitForKeys blocks until any in-progress outdated-key refresh for the
	// given users has completed.
	WaitForKeys(ctx context.Context, userIDs ...domaintypes.UserID) error
}

// SecretStore resolves locally stored cross-signing private keys
// (unpadded-base64 Ed25519 seeds).
type SecretStore interface {
	CrossSigningPrivateKey(ctx context.Context, usage domaintypes.CrossSigningUsage) (string, bool, error)
}
