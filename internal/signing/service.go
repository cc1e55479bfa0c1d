package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"nacre/internal/domain"
	"nacre/internal/olm"
)

// ErrNoCrossSigningKey means the secret store holds no private key for the
// requested usage.
var ErrNoCrossSigningKey = errors.New("signing: no cross-signing private key")

// Service signs canonical JSON with the device key or a cross-signing key
// and verifies signatures of other users' objects.
type Service struct {
	userID       domain.UserID
	deviceID     domain.DeviceID
	sessionStore domain.SessionStore
	secrets      domain.SecretStore
	pickleKey    []byte
	logger       *slog.Logger
}

// New constructs a signing Service over the stores.
func New(
	userID domain.UserID,
	deviceID domain.DeviceID,
	sessionStore domain.SessionStore,
	secrets domain.SecretStore,
	pickleKey []byte,
	logger *slog.Logger,
) *Service {
	return &Service{
		userID:       userID,
		deviceID:     deviceID,
		sessionStore: sessionStore,
		secrets:      secrets,
		pickleKey:    pickleKey,
		logger:       logger.With("component", "signing"),
	}
}

// Sign signs obj with the own device Ed25519 key.
func (s *Service) Sign(ctx context.Context, obj any) (domain.Signatures, error) {
	pickled, err := s.sessionStore.Account(ctx)
	if err != nil {
		return nil, err
	}
	if pickled == "" {
		return nil, fmt.Errorf("signing: no account")
	}
	account, err := olm.AccountFromPickle(pickled, s.pickleKey)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return nil, err
	}
	keyID := domain.NewKeyID(domain.KeyAlgorithmEd25519, string(s.deviceID))
	return domain.Signatures{s.userID: {keyID: account.Sign(canonical)}}, nil
}

// SignWithCrossSigningKey signs obj with the private cross-signing key of
// the given usage, resolved from the secret store.
func (s *Service) SignWithCrossSigningKey(ctx context.Context, obj any, usage domain.CrossSigningUsage) (domain.Signatures, error) {
	seed, ok, err := s.secrets.CrossSigningPrivateKey(ctx, usage)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCrossSigningKey, usage)
	}
	rawSeed, err := base64.RawStdEncoding.DecodeString(seed)
	if err != nil || len(rawSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: bad %s key seed", usage)
	}
	priv := ed25519.NewKeyFromSeed(rawSeed)
	pub := priv.Public().(ed25519.PublicKey)
	keyID := domain.NewKeyID(domain.KeyAlgorithmEd25519, base64.RawStdEncoding.EncodeToString(pub))
	return s.SignWithKey(obj, keyID, priv)
}

// SignWithKey signs obj with an explicitly supplied key pair.
func (s *Service) SignWithKey(obj any, keyID domain.KeyID, priv ed25519.PrivateKey) (domain.Signatures, error) {
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return nil, err
	}
	sig := base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, canonical))
	return domain.Signatures{s.userID: {keyID: sig}}, nil
}

// oneTimeKeyWrapper is the normalized object signed for one-time keys.
type oneTimeKeyWrapper struct {
	Key      domain.Curve25519Key `json:"key"`
	Fallback bool                 `json:"fallback,omitempty"`
}

// SignOneTimeKey signs a one-time key in its normalized wrapper form.
func (s *Service) SignOneTimeKey(ctx context.Context, key domain.Curve25519Key, fallback bool) (domain.SignedOneTimeKey, error) {
	sigs, err := s.Sign(ctx, oneTimeKeyWrapper{Key: key, Fallback: fallback})
	if err != nil {
		return domain.SignedOneTimeKey{}, err
	}
	return domain.SignedOneTimeKey{Key: key, Fallback: fallback, Signatures: sigs}, nil
}

// Verify checks obj's signatures against the acceptable signer keys,
// keyed per user by the key id their signatures are stored under.
//
// Aggregation policy: any Invalid outcome wins over any MissingSignature,
// which wins over Valid; only all-valid yields Valid. An empty signer set
// is MissingSignature.
func (s *Service) Verify(obj any, acceptableSigners map[domain.UserID]map[domain.KeyID]domain.Ed25519Key) domain.VerifyResult {
	if len(acceptableSigners) == 0 {
		return domain.VerifyResultMissing("no acceptable signers")
	}
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return domain.VerifyResultInvalid(err.Error())
	}
	sigs, err := extractSignatures(obj)
	if err != nil {
		return domain.VerifyResultInvalid(err.Error())
	}

	result := domain.VerifyResultValid()
	for userID, keys := range acceptableSigners {
		for keyID, key := range keys {
			outcome := verifyOne(canonical, sigs[userID], keyID, key)
			switch outcome.Kind {
			case domain.VerifyInvalid:
				return outcome
			case domain.VerifyMissingSignature:
				result = outcome
			}
		}
	}
	return result
}

// VerifySignedOneTimeKey checks a claimed one-time key's signature in its
// normalized wrapper form. One-time keys are signed by the claimed device,
// so its signature lives under the device key id.
func (s *Service) VerifySignedOneTimeKey(key domain.SignedOneTimeKey, signer domain.UserID, device domain.DeviceID, signingKey domain.Ed25519Key) domain.VerifyResult {
	wrapped := struct {
		Key        domain.Curve25519Key `json:"key"`
		Fallback   bool                 `json:"fallback,omitempty"`
		Signatures domain.Signatures    `json:"signatures,omitempty"`
	}{Key: key.Key, Fallback: key.Fallback, Signatures: key.Signatures}
	keyID := domain.NewKeyID(domain.KeyAlgorithmEd25519, string(device))
	return s.Verify(wrapped, map[domain.UserID]map[domain.KeyID]domain.Ed25519Key{signer: {keyID: signingKey}})
}

// verifyOne checks one (signer, key) pair against the signature entries of
// that signer. A pair whose key id has no entry is MissingSignature; an
// unrelated signer's failing entry never poisons the outcome.
func verifyOne(canonical []byte, byKeyID map[domain.KeyID]string, keyID domain.KeyID, key domain.Ed25519Key) domain.VerifyResult {
	pub, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return domain.VerifyResultInvalid("malformed signer key")
	}

	sig, ok := byKeyID[keyID]
	if !ok {
		return domain.VerifyResultMissing("no signature under " + string(keyID))
	}
	rawSig, err := base64.RawStdEncoding.DecodeString(sig)
	if err != nil {
		return domain.VerifyResultInvalid("malformed signature encoding")
	}
	if !ed25519.Verify(pub, canonical, rawSig) {
		return domain.VerifyResultInvalid("signature verification failed")
	}
	return domain.VerifyResultValid()
}

// extractSignatures pulls the signatures field out of obj's JSON form.
func extractSignatures(obj any) (domain.Signatures, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Signatures domain.Signatures `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	return envelope.Signatures, nil
}
