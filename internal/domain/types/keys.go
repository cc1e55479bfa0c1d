package types

// KeyAlgorithm names a key algorithm as it appears in key identifiers.
type KeyAlgorithm string

// Key algorithms used on the wire.
const (
	KeyAlgorithmCurve25519       KeyAlgorithm = "curve25519"
	KeyAlgorithmSignedCurve25519 KeyAlgorithm = "signed_curve25519"
	KeyAlgorithmEd25519          KeyAlgorithm = "ed25519"
)

// Curve25519Key is an unpadded-base64 Curve25519 public key.
type Curve25519Key string

// String returns the string form of the key.
func (k Curve25519Key) String() string { return string(k) }

// Ed25519Key is an unpadded-base64 Ed25519 public key.
type Ed25519Key string

// String returns the string form of the key.
func (k Ed25519Key) String() string { return string(k) }

// KeyID combines an algorithm and a device-scoped identifier,
// e.g. "ed25519:DEVICE1".
type KeyID string

// NewKeyID builds a KeyID from an algorithm and identifier.
func NewKeyID(algorithm KeyAlgorithm, id string) KeyID {
	return KeyID(string(algorithm) + ":" + id)
}

// Signatures maps signing user to key id to unpadded-base64 signature.
type Signatures map[UserID]map[KeyID]string

// Merge folds other into s, overwriting colliding entries.
func (s Signatures) Merge(other Signatures) {
	for user, byKey := range other {
		if s[user] == nil {
			s[user] = make(map[KeyID]string, len(byKey))
		}
		for id, sig := range byKey {
			s[user][id] = sig
		}
	}
}

// SignedOneTimeKey is a one-time Curve25519 key signed by the owning device.
type SignedOneTimeKey struct {
	Key        Curve25519Key `json:"key"`
	Fallback   bool          `json:"fallback,omitempty"`
	Signatures Signatures    `json:"signatures,omitempty"`
}

// DeviceKeys is the published key set of one device.
type DeviceKeys struct {
	UserID     UserID           `json:"user_id"`
	DeviceID   DeviceID         `json:"device_id"`
	Algorithms []string         `json:"algorithms"`
	Keys       map[KeyID]string `json:"keys"`
	Signatures Signatures       `json:"signatures,omitempty"`
}

// CurveKey returns the device's Curve25519 identity key, if present.
func (d DeviceKeys) CurveKey() (Curve25519Key, bool) {
	v, ok := d.Keys[NewKeyID(KeyAlgorithmCurve25519, string(d.DeviceID))]
	return Curve25519Key(v), ok
}

// EdKey returns the device's Ed25519 signing key, if present.
func (d DeviceKeys) EdKey() (Ed25519Key, bool) {
	v, ok := d.Keys[NewKeyID(KeyAlgorithmEd25519, string(d.DeviceID))]
	return Ed25519Key(v), ok
}

// CrossSigningUsage names the role of a cross-signing key.
type CrossSigningUsage string

// Cross-signing key roles.
const (
	CrossSigningUsageMaster      CrossSigningUsage = "master"
	CrossSigningUsageSelfSigning CrossSigningUsage = "self_signing"
	CrossSigningUsageUserSigning CrossSigningUsage = "user_signing"
)

// CrossSigningKeys is one published cross-signing key of a user.
type CrossSigningKeys struct {
	UserID     UserID              `json:"user_id"`
	Usage      []CrossSigningUsage `json:"usage"`
	Keys       map[KeyID]string    `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
}

// Key returns the first key value, which for cross-signing keys is the
// only entry.
func (c CrossSigningKeys) Key() (Ed25519Key, bool) {
	for _, v := range c.Keys {
		return Ed25519Key(v), true
	}
	return "", false
}

// HasUsage reports whether the key carries the given role.
func (c CrossSigningKeys) HasUsage(usage CrossSigningUsage) bool {
	for _, u := range c.Usage {
		if u == usage {
			return true
		}
	}
	return false
}

// VerificationState is the local user's explicit mark on a key.
type VerificationState int

// Local verification marks.
const (
	VerificationStateUnknown VerificationState = iota
	VerificationStateVerified
	VerificationStateBlocked
)
