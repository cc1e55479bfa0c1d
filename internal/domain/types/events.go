package types

import "encoding/json"

// EventAlgorithm names an event encryption algorithm.
type EventAlgorithm string

// Encryption algorithms supported by the engine.
const (
	AlgorithmOlm    EventAlgorithm = "m.olm.v1.curve25519-chacha20"
	AlgorithmMegolm EventAlgorithm = "m.megolm.v1.chacha20"
)

// Well-known event types handled by the engine.
const (
	EventTypeEncrypted = "m.room.encrypted"
	EventTypeRoomKey   = "m.room_key"
	EventTypeDummy     = "m.dummy"
)

// EventContent is a typed event payload before encryption.
type EventContent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// OlmMessageType discriminates pre-key from ordinary Olm ciphertext.
type OlmMessageType int

// Olm ciphertext message types.
const (
	OlmMessageTypePreKey OlmMessageType = 0
	OlmMessageTypeNormal OlmMessageType = 1
)

// OlmCiphertext is one recipient's ciphertext entry.
type OlmCiphertext struct {
	Type OlmMessageType `json:"type"`
	Body string         `json:"body"`
}

// OlmEncryptedEventContent is the wire content of an Olm-encrypted event.
// Ciphertext is keyed by recipient Curve25519 identity key.
type OlmEncryptedEventContent struct {
	Algorithm  EventAlgorithm                  `json:"algorithm"`
	SenderKey  Curve25519Key                   `json:"sender_key"`
	Ciphertext map[Curve25519Key]OlmCiphertext `json:"ciphertext"`
}

// DecryptedOlmEvent is the plaintext envelope carried inside Olm ciphertext.
// Sender and recipient identity fields are validated after decryption.
type DecryptedOlmEvent struct {
	Type          string                `json:"type"`
	Content       json.RawMessage       `json:"content"`
	Sender        UserID                `json:"sender"`
	SenderKeys    map[string]Ed25519Key `json:"keys"`
	Recipient     UserID                `json:"recipient"`
	RecipientKeys map[string]Ed25519Key `json:"recipient_keys"`
}

// MegolmEncryptedEventContent is the wire content of a Megolm-encrypted
// room event.
type MegolmEncryptedEventContent struct {
	Algorithm  EventAlgorithm `json:"algorithm"`
	SenderKey  Curve25519Key  `json:"sender_key"`
	SessionID  SessionID      `json:"session_id"`
	DeviceID   DeviceID       `json:"device_id,omitempty"`
	Ciphertext string         `json:"ciphertext"`
}

// DecryptedMegolmEvent is the plaintext envelope carried inside Megolm
// ciphertext. RoomID must match the room the ciphertext arrived in.
type DecryptedMegolmEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  RoomID          `json:"room_id"`
}

// RoomKeyEventContent distributes a Megolm session key over Olm.
type RoomKeyEventContent struct {
	Algorithm  EventAlgorithm `json:"algorithm"`
	RoomID     RoomID         `json:"room_id"`
	SessionID  SessionID      `json:"session_id"`
	SessionKey string         `json:"session_key"`
}

// ToDeviceEvent is an event addressed to a single device.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  UserID          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// EncryptedRoomEvent is a room timeline event carrying Megolm ciphertext.
type EncryptedRoomEvent struct {
	EventID         EventID                     `json:"event_id"`
	RoomID          RoomID                      `json:"room_id"`
	Sender          UserID                      `json:"sender"`
	OriginTimestamp int64                       `json:"origin_server_ts"`
	Content         MegolmEncryptedEventContent `json:"content"`
}

// DecryptedToDeviceEvent pairs a decrypted Olm envelope with its sender,
// produced for downstream room-key and verification handling.
type DecryptedToDeviceEvent struct {
	Sender    UserID
	Decrypted DecryptedOlmEvent
}

// DecryptedRoomEvent pairs a decrypted Megolm envelope with the timeline
// event it came from.
type DecryptedRoomEvent struct {
	Event     EncryptedRoomEvent
	Decrypted DecryptedMegolmEvent
}
