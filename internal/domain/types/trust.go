package types

// TrustLevelKind discriminates the trust level variants.
type TrustLevelKind string

// Trust level variants for device and cross-signing keys.
const (
	// TrustValid means the key is self-signed and no cross-signing chain
	// exists for its user yet.
	TrustValid TrustLevelKind = "valid"
	// TrustCrossSigned means a verified cross-signing chain covers the key.
	TrustCrossSigned TrustLevelKind = "cross_signed"
	// TrustNotCrossSigned means the user cross-signs but this key is not
	// covered.
	TrustNotCrossSigned TrustLevelKind = "not_cross_signed"
	// TrustNotAllDeviceKeysCrossSigned means this key is covered but other
	// devices of the same user are not.
	TrustNotAllDeviceKeysCrossSigned TrustLevelKind = "not_all_device_keys_cross_signed"
	// TrustMasterKeyChangedRecently means the user's master key value
	// changed since it was last verified.
	TrustMasterKeyChangedRecently TrustLevelKind = "master_key_changed_recently"
	// TrustBlocked means the key or a key in its signing chain was blocked
	// by the local user. Terminal.
	TrustBlocked TrustLevelKind = "blocked"
	// TrustInvalid means a structural or signature failure. Terminal.
	TrustInvalid TrustLevelKind = "invalid"
)

// TrustLevel is the computed trust of one key. It is recomputed from
// scratch on every key-chain change, never mutated incrementally.
type TrustLevel struct {
	Kind TrustLevelKind
	// Verified carries the local verification mark for Valid, CrossSigned
	// and NotAllDeviceKeysCrossSigned.
	Verified bool
	// PreviousVerified carries the prior mark for MasterKeyChangedRecently.
	PreviousVerified bool
	// Reason explains Invalid.
	Reason string
}

// Trusted reports whether the level allows sending keys without further
// user interaction.
func (t TrustLevel) Trusted() bool {
	switch t.Kind {
	case TrustValid, TrustCrossSigned, TrustNotAllDeviceKeysCrossSigned:
		return true
	default:
		return false
	}
}

// VerifyResultKind discriminates signature verification outcomes.
type VerifyResultKind string

// Signature verification outcomes.
const (
	VerifyValid            VerifyResultKind = "valid"
	VerifyMissingSignature VerifyResultKind = "missing_signature"
	VerifyInvalid          VerifyResultKind = "invalid"
)

// VerifyResult is the outcome of one signature check. Never persisted.
type VerifyResult struct {
	Kind   VerifyResultKind
	Reason string
}

// VerifyResultValid is the all-valid outcome.
func VerifyResultValid() VerifyResult { return VerifyResult{Kind: VerifyValid} }

// VerifyResultMissing builds a MissingSignature outcome.
func VerifyResultMissing(reason string) VerifyResult {
	return VerifyResult{Kind: VerifyMissingSignature, Reason: reason}
}

// VerifyResultInvalid builds an Invalid outcome.
func VerifyResultInvalid(reason string) VerifyResult {
	return VerifyResult{Kind: VerifyInvalid, Reason: reason}
}
