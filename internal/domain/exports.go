package domain

import (
	interfaces "nacre/internal/domain/interfaces"
	types "nacre/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID     = types.UserID
	DeviceID   = types.DeviceID
	RoomID     = types.RoomID
	EventID    = types.EventID
	SessionID  = types.SessionID
	ServerName = types.ServerName
	Membership = types.Membership

	KeyAlgorithm      = types.KeyAlgorithm
	Curve25519Key     = types.Curve25519Key
	Ed25519Key        = types.Ed25519Key
	KeyID             = types.KeyID
	Signatures        = types.Signatures
	SignedOneTimeKey  = types.SignedOneTimeKey
	DeviceKeys        = types.DeviceKeys
	CrossSigningUsage = types.CrossSigningUsage
	CrossSigningKeys  = types.CrossSigningKeys
	VerificationState = types.VerificationState

	EventAlgorithm              = types.EventAlgorithm
	EventContent                = types.EventContent
	OlmMessageType              = types.OlmMessageType
	OlmCiphertext               = types.OlmCiphertext
	OlmEncryptedEventContent    = types.OlmEncryptedEventContent
	DecryptedOlmEvent           = types.DecryptedOlmEvent
	MegolmEncryptedEventContent = types.MegolmEncryptedEventContent
	DecryptedMegolmEvent        = types.DecryptedMegolmEvent
	RoomKeyEventContent         = types.RoomKeyEventContent
	ToDeviceEvent               = types.ToDeviceEvent
	EncryptedRoomEvent          = types.EncryptedRoomEvent
	DecryptedToDeviceEvent      = types.DecryptedToDeviceEvent
	DecryptedRoomEvent          = types.DecryptedRoomEvent

	StoredOlmSession            = types.StoredOlmSession
	StoredOutboundMegolmSession = types.StoredOutboundMegolmSession
	StoredInboundMegolmSession  = types.StoredInboundMegolmSession
	MegolmMessageIndex          = types.MegolmMessageIndex
	EncryptionSettings          = types.EncryptionSettings

	TrustLevel       = types.TrustLevel
	TrustLevelKind   = types.TrustLevelKind
	VerifyResult     = types.VerifyResult
	VerifyResultKind = types.VerifyResultKind
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	SessionStore           = interfaces.SessionStore
	KeyStore               = interfaces.KeyStore
	SecretStore            = interfaces.SecretStore
	RequestHandler         = interfaces.RequestHandler
	RoomService            = interfaces.RoomService
	ClaimOneTimeKeysResult = interfaces.ClaimOneTimeKeysResult
	OlmEngine              = interfaces.OlmEngine
	MegolmEngine           = interfaces.MegolmEngine
	TrustEngine            = interfaces.TrustEngine
	EncryptionService      = interfaces.EncryptionService
)
