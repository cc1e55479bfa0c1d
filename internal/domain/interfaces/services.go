package interfaces

import (
	"context"

	domaintypes "nacre/internal/domain/types"
)

// OlmEngine encrypts and decrypts pairwise to-device payloads.
type OlmEngine interface {
	EncryptOlm(ctx context.Context, content domaintypes.EventContent, receiver domaintypes.UserID, device domaintypes.DeviceID, forceNewSession bool) (*domaintypes.OlmEncryptedEventContent, error)
	DecryptOlm(ctx context.Context, encrypted domaintypes.OlmEncryptedEventContent, sender domaintypes.UserID) (*domaintypes.DecryptedOlmEvent, error)
}

// MegolmEngine encrypts and decrypts group room payloads.
type MegolmEngine interface {
	EncryptMegolm(ctx context.Context, content domaintypes.EventContent, roomID domaintypes.RoomID, settings domaintypes.EncryptionSettings) (*domaintypes.MegolmEncryptedEventContent, error)
	DecryptMegolm(ctx context.Context, event domaintypes.EncryptedRoomEvent) (*domaintypes.DecryptedMegolmEvent, error)
}

// TrustEngine computes cryptographic trust levels for keys.
type TrustEngine interface {
	DeviceTrustLevel(ctx context.Context, keys domaintypes.DeviceKeys) (domaintypes.TrustLevel, error)
	CrossSigningTrustLevel(ctx context.Context, keys domaintypes.CrossSigningKeys) (domaintypes.TrustLevel, error)
}

// EncryptionService wires the engines into the sync pipeline.
type EncryptionService interface {
	HandleToDeviceEvent(ctx context.Context, event domaintypes.ToDeviceEvent) error
	HandleRoomEvent(ctx context.Context, event domaintypes.EncryptedRoomEvent) (*domaintypes.DecryptedRoomEvent, error)
	HandleMembership(ctx context.Context, roomID domaintypes.RoomID, userID domaintypes.UserID, membership domaintypes.Membership) error
	HandleEncryptionSettingsChange(ctx context.Context, roomID domaintypes.RoomID) error
	HandleOneTimeKeysCount(ctx context.Context, counts map[domaintypes.KeyAlgorithm]int) error
}
