package interfaces

import (
	"context"

	domaintypes "nacre/internal/domain/types"
)

// ClaimOneTimeKeysResult carries claimed keys plus the servers that could
// not be reached.
type ClaimOneTimeKeysResult struct {
	OneTimeKeys map[domaintypes.UserID]map[domaintypes.DeviceID]domaintypes.SignedOneTimeKey
	Failures    map[domaintypes.ServerName]struct{}
}

// RequestHandler is the network capability consumed by the engines. No
// implicit timeouts; callers bound calls through ctx.
type RequestHandler interface {
	// ClaimOneTimeKeys claims signed one-time keys from the peers' servers.
	ClaimOneTimeKeys(ctx context.Context, claims map[domaintypes.UserID]map[domaintypes.DeviceID]domaintypes.KeyAlgorithm) (ClaimOneTimeKeysResult, error)
	// SendToDevice posts per-device event content of one event type.
	SendToDevice(ctx context.Context, eventType string, messages map[domaintypes.UserID]map[domaintypes.DeviceID]any) error
	// SetOneTimeKeys publishes our own signed one-time keys.
	SetOneTimeKeys(ctx context.Context, keys map[domaintypes.KeyID]domaintypes.SignedOneTimeKey) error
}

// RoomService resolves room membership for key distribution.
type RoomService interface {
	Members(ctx context.Context, roomID domaintypes.RoomID, memberships ...domaintypes.Membership) ([]domaintypes.UserID, error)
}
