// Package trust computes cryptographic trust levels for device and
// cross-signing keys from signature chains and local verification marks.
package trust

import (
	"context"
	"log/slog"

	"nacre/internal/domain"
	"nacre/internal/signing"
)

// Engine recomputes trust levels from scratch on every key-chain change.
// Blocked and Invalid are absorbing for the affected key.
type Engine struct {
	keyStore domain.KeyStore
	signing  *signing.Service
	logger   *slog.Logger
}

// New constructs a trust Engine.
func New(keyStore domain.KeyStore, signingService *signing.Service, logger *slog.Logger) *Engine {
	return &Engine{
		keyStore: keyStore,
		signing:  signingService,
		logger:   logger.With("component", "trust"),
	}
}

// DeviceTrustLevel computes the trust level of one device key set.
func (e *Engine) DeviceTrustLevel(ctx context.Context, keys domain.DeviceKeys) (domain.TrustLevel, error) {
	edKey, ok := keys.EdKey()
	if !ok {
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: "device has no ed25519 key"}, nil
	}

	// A device key set must at least carry a valid self-signature, stored
	// under the device's own key id.
	selfID := domain.NewKeyID(domain.KeyAlgorithmEd25519, string(keys.DeviceID))
	if res := e.signing.Verify(keys, map[domain.UserID]map[domain.KeyID]domain.Ed25519Key{keys.UserID: {selfID: edKey}}); res.Kind != domain.VerifyValid {
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: "self signature: " + res.Reason}, nil
	}

	state, err := e.keyStore.VerificationState(ctx, keys.UserID, edKey)
	if err != nil {
		return domain.TrustLevel{}, err
	}
	if state == domain.VerificationStateBlocked {
		return domain.TrustLevel{Kind: domain.TrustBlocked}, nil
	}

	master, selfSigning, err := e.crossSigningKeysOf(ctx, keys.UserID)
	if err != nil {
		return domain.TrustLevel{}, err
	}
	if master == nil || selfSigning == nil {
		// No cross-signing hierarchy published for this user yet.
		return domain.TrustLevel{Kind: domain.TrustValid, Verified: state == domain.VerificationStateVerified}, nil
	}
	masterKey, ok := master.Key()
	if !ok {
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: "master key has no key value"}, nil
	}
	selfSigningKey, ok := selfSigning.Key()
	if !ok {
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: "self-signing key has no key value"}, nil
	}

	// A block anywhere in the signing chain is absorbing.
	for _, chainKey := range []domain.Ed25519Key{masterKey, selfSigningKey} {
		chainState, err := e.keyStore.VerificationState(ctx, keys.UserID, chainKey)
		if err != nil {
			return domain.TrustLevel{}, err
		}
		if chainState == domain.VerificationStateBlocked {
			return domain.TrustLevel{Kind: domain.TrustBlocked}, nil
		}
	}

	// The chain only counts if the self-signing key itself is signed by the
	// master key. A missing signer entry means not cross-signed; a present
	// entry that fails to verify means forgery.
	switch res := e.signing.Verify(*selfSigning, crossSigner(keys.UserID, masterKey)); res.Kind {
	case domain.VerifyMissingSignature:
		return domain.TrustLevel{Kind: domain.TrustNotCrossSigned}, nil
	case domain.VerifyInvalid:
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: "self-signing key chain: " + res.Reason}, nil
	}

	switch res := e.signing.Verify(keys, crossSigner(keys.UserID, selfSigningKey)); res.Kind {
	case domain.VerifyMissingSignature:
		return domain.TrustLevel{Kind: domain.TrustNotCrossSigned}, nil
	case domain.VerifyInvalid:
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: "cross signature: " + res.Reason}, nil
	}

	masterState, err := e.keyStore.VerificationState(ctx, keys.UserID, masterKey)
	if err != nil {
		return domain.TrustLevel{}, err
	}
	verified := state == domain.VerificationStateVerified || masterState == domain.VerificationStateVerified

	allCovered, err := e.allDevicesCrossSigned(ctx, keys.UserID, selfSigningKey)
	if err != nil {
		return domain.TrustLevel{}, err
	}
	if !allCovered {
		return domain.TrustLevel{Kind: domain.TrustNotAllDeviceKeysCrossSigned, Verified: verified}, nil
	}
	return domain.TrustLevel{Kind: domain.TrustCrossSigned, Verified: verified}, nil
}

// CrossSigningTrustLevel computes the trust level of one cross-signing key.
func (e *Engine) CrossSigningTrustLevel(ctx context.Context, keys domain.CrossSigningKeys) (domain.TrustLevel, error) {
	key, ok := keys.Key()
	if !ok {
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: "cross-signing key has no key value"}, nil
	}

	state, err := e.keyStore.VerificationState(ctx, keys.UserID, key)
	if err != nil {
		return domain.TrustLevel{}, err
	}
	if state == domain.VerificationStateBlocked {
		return domain.TrustLevel{Kind: domain.TrustBlocked}, nil
	}

	if keys.HasUsage(domain.CrossSigningUsageMaster) {
		prev, ok, err := e.keyStore.PreviouslyVerifiedMasterKey(ctx, keys.UserID)
		if err != nil {
			return domain.TrustLevel{}, err
		}
		if ok && prev != key {
			// The user must re-verify; the prior mark is carried along.
			return domain.TrustLevel{Kind: domain.TrustMasterKeyChangedRecently, PreviousVerified: true}, nil
		}
		// The master key is the chain head; its trust is its own mark.
		return domain.TrustLevel{Kind: domain.TrustCrossSigned, Verified: state == domain.VerificationStateVerified}, nil
	}

	master, _, err := e.crossSigningKeysOf(ctx, keys.UserID)
	if err != nil {
		return domain.TrustLevel{}, err
	}
	if master == nil {
		return domain.TrustLevel{Kind: domain.TrustValid, Verified: state == domain.VerificationStateVerified}, nil
	}
	masterKey, ok := master.Key()
	if !ok {
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: "master key has no key value"}, nil
	}
	masterState, err := e.keyStore.VerificationState(ctx, keys.UserID, masterKey)
	if err != nil {
		return domain.TrustLevel{}, err
	}
	if masterState == domain.VerificationStateBlocked {
		return domain.TrustLevel{Kind: domain.TrustBlocked}, nil
	}

	switch res := e.signing.Verify(keys, crossSigner(keys.UserID, masterKey)); res.Kind {
	case domain.VerifyMissingSignature:
		return domain.TrustLevel{Kind: domain.TrustNotCrossSigned}, nil
	case domain.VerifyInvalid:
		return domain.TrustLevel{Kind: domain.TrustInvalid, Reason: res.Reason}, nil
	}
	verified := state == domain.VerificationStateVerified || masterState == domain.VerificationStateVerified
	return domain.TrustLevel{Kind: domain.TrustCrossSigned, Verified: verified}, nil
}

// crossSigningKeysOf returns the user's master and self-signing keys, if
// published.
func (e *Engine) crossSigningKeysOf(ctx context.Context, userID domain.UserID) (master, selfSigning *domain.CrossSigningKeys, err error) {
	all, err := e.keyStore.CrossSigningKeys(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	for i := range all {
		if all[i].HasUsage(domain.CrossSigningUsageMaster) {
			master = &all[i]
		}
		if all[i].HasUsage(domain.CrossSigningUsageSelfSigning) {
			selfSigning = &all[i]
		}
	}
	return master, selfSigning, nil
}

// crossSigner builds the signer set for one cross-signing key, whose
// signature entries live under "ed25519:<key value>".
func crossSigner(userID domain.UserID, key domain.Ed25519Key) map[domain.UserID]map[domain.KeyID]domain.Ed25519Key {
	return map[domain.UserID]map[domain.KeyID]domain.Ed25519Key{
		userID: {domain.NewKeyID(domain.KeyAlgorithmEd25519, key.String()): key},
	}
}

// allDevicesCrossSigned reports whether every cached device of the user
// carries a valid self-signing-key signature.
func (e *Engine) allDevicesCrossSigned(ctx context.Context, userID domain.UserID, selfSigningKey domain.Ed25519Key) (bool, error) {
	devices, err := e.keyStore.DeviceKeys(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, device := range devices {
		res := e.signing.Verify(device, crossSigner(userID, selfSigningKey))
		if res.Kind != domain.VerifyValid {
			return false, nil
		}
	}
	return true, nil
}

// Compile-time assertion that Engine implements domain.TrustEngine.
var _ domain.TrustEngine = (*Engine)(nil)
