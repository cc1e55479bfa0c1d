package domain

import types "nacre/internal/domain/types"

// Re-exported constants so engine packages only import the domain package.
const (
	MembershipJoin   = types.MembershipJoin
	MembershipInvite = types.MembershipInvite
	MembershipLeave  = types.MembershipLeave
	MembershipBan    = types.MembershipBan

	KeyAlgorithmCurve25519       = types.KeyAlgorithmCurve25519
	KeyAlgorithmSignedCurve25519 = types.KeyAlgorithmSignedCurve25519
	KeyAlgorithmEd25519          = types.KeyAlgorithmEd25519

	CrossSigningUsageMaster      = types.CrossSigningUsageMaster
	CrossSigningUsageSelfSigning = types.CrossSigningUsageSelfSigning
	CrossSigningUsageUserSigning = types.CrossSigningUsageUserSigning

	VerificationStateUnknown  = types.VerificationStateUnknown
	VerificationStateVerified = types.VerificationStateVerified
	VerificationStateBlocked  = types.VerificationStateBlocked

	AlgorithmOlm    = types.AlgorithmOlm
	AlgorithmMegolm = types.AlgorithmMegolm

	EventTypeEncrypted = types.EventTypeEncrypted
	EventTypeRoomKey   = types.EventTypeRoomKey
	EventTypeDummy     = types.EventTypeDummy

	OlmMessageTypePreKey = types.OlmMessageTypePreKey
	OlmMessageTypeNormal = types.OlmMessageTypeNormal

	TrustValid                       = types.TrustValid
	TrustCrossSigned                 = types.TrustCrossSigned
	TrustNotCrossSigned              = types.TrustNotCrossSigned
	TrustNotAllDeviceKeysCrossSigned = types.TrustNotAllDeviceKeysCrossSigned
	TrustMasterKeyChangedRecently    = types.TrustMasterKeyChangedRecently
	TrustBlocked                     = types.TrustBlocked
	TrustInvalid                     = types.TrustInvalid

	VerifyValid            = types.VerifyValid
	VerifyMissingSignature = types.VerifyMissingSignature
	VerifyInvalid          = types.VerifyInvalid
)

// Function aliases for constructors used across engine packages.
var (
	NewKeyID                  = types.NewKeyID
	DefaultEncryptionSettings = types.DefaultEncryptionSettings
	VerifyResultValid         = types.VerifyResultValid
	VerifyResultMissing       = types.VerifyResultMissing
	VerifyResultInvalid       = types.VerifyResultInvalid
)
