package types

import "time"

// StoredOlmSession is one persisted pairwise session with a peer device.
// Pickled holds the opaque ratchet state.
type StoredOlmSession struct {
	SessionID  SessionID     `json:"session_id"`
	SenderKey  Curve25519Key `json:"sender_key"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
	Pickled    string        `json:"pickled"`
}

// StoredOutboundMegolmSession is the active group session of a room.
// NewDevices lists devices that still need the session key.
type StoredOutboundMegolmSession struct {
	RoomID                RoomID                `json:"room_id"`
	CreatedAt             time.Time             `json:"created_at"`
	EncryptedMessageCount int                   `json:"encrypted_message_count"`
	NewDevices            map[UserID][]DeviceID `json:"new_devices,omitempty"`
	Pickled               string                `json:"pickled"`
}

// StoredInboundMegolmSession is a received group session, keyed by
// (room, session, sender key). Trusted records whether the session key
// arrived over a verified Olm channel.
type StoredInboundMegolmSession struct {
	RoomID           RoomID        `json:"room_id"`
	SessionID        SessionID     `json:"session_id"`
	SenderKey        Curve25519Key `json:"sender_key"`
	SenderSigningKey Ed25519Key    `json:"sender_signing_key"`
	FirstKnownIndex  uint32        `json:"first_known_index"`
	Trusted          bool          `json:"trusted"`
	Pickled          string        `json:"pickled"`
}

// MegolmMessageIndex records which event claimed a ratchet index within a
// session. A second event claiming the same index is a replay.
type MegolmMessageIndex struct {
	EventID         EventID `json:"event_id"`
	OriginTimestamp int64   `json:"origin_server_ts"`
}

// EncryptionSettings configures Megolm session rotation for a room.
// Zero values disable the corresponding rotation condition.
type EncryptionSettings struct {
	Algorithm              EventAlgorithm `json:"algorithm"`
	RotationPeriod         time.Duration  `json:"rotation_period_ms"`
	RotationPeriodMessages int            `json:"rotation_period_msgs"`
}

// DefaultEncryptionSettings mirror the protocol defaults: rotate weekly or
// after 100 messages, whichever comes first.
func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{
		Algorithm:              AlgorithmMegolm,
		RotationPeriod:         7 * 24 * time.Hour,
		RotationPeriodMessages: 100,
	}
}
