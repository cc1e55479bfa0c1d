package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/google/uuid"

	"nacre/internal/domain"
)

// maxOneTimeKeys bounds how many one-time keys an account holds at once.
const maxOneTimeKeys = 100

// ErrNoMatchingOneTimeKey means a pre-key message referenced a one-time
// key this account does not hold.
var ErrNoMatchingOneTimeKey = errors.New("olm: no matching one time key")

type oneTimeKeyPair struct {
	ID        string   `json:"id"`
	Priv      [32]byte `json:"priv"`
	Pub       [32]byte `json:"pub"`
	Published bool     `json:"published"`
}

type accountState struct {
	IdentityPriv [32]byte                  `json:"identity_priv"`
	IdentityPub  [32]byte                  `json:"identity_pub"`
	SignPriv     ed25519.PrivateKey        `json:"sign_priv"`
	SignPub      ed25519.PublicKey         `json:"sign_pub"`
	OneTimeKeys  map[string]oneTimeKeyPair `json:"one_time_keys"`
	FallbackKey  *oneTimeKeyPair           `json:"fallback_key,omitempty"`
}

// Account is the long-lived identity of the own device: a Curve25519
// identity key, an Ed25519 signing key and a rotating set of one-time keys.
type Account struct {
	state accountState
}

// NewAccount generates a fresh account.
func NewAccount() (*Account, error) {
	priv, pub, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Account{state: accountState{
		IdentityPriv: priv,
		IdentityPub:  pub,
		SignPriv:     signPriv,
		SignPub:      signPub,
		OneTimeKeys:  make(map[string]oneTimeKeyPair),
	}}, nil
}

// IdentityCurveKey returns the Curve25519 identity key.
func (a *Account) IdentityCurveKey() domain.Curve25519Key {
	return domain.Curve25519Key(encodeKey(a.state.IdentityPub[:]))
}

// IdentitySigningKey returns the Ed25519 signing key.
func (a *Account) IdentitySigningKey() domain.Ed25519Key {
	return domain.Ed25519Key(encodeKey(a.state.SignPub))
}

// Sign signs message with the account's Ed25519 key, returning an
// unpadded-base64 signature.
func (a *Account) Sign(message []byte) string {
	return encodeKey(ed25519.Sign(a.state.SignPriv, message))
}

// MaxOneTimeKeys returns how many one-time keys the account may hold.
func (a *Account) MaxOneTimeKeys() int { return maxOneTimeKeys }

// GenerateOneTimeKeys adds n unpublished one-time keys, dropping the
// request down to the remaining capacity.
func (a *Account) GenerateOneTimeKeys(n int) error {
	if room := maxOneTimeKeys - len(a.state.OneTimeKeys); n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		priv, pub, err := newKeyPair()
		if err != nil {
			return err
		}
		id := uuid.NewString()
		a.state.OneTimeKeys[id] = oneTimeKeyPair{ID: id, Priv: priv, Pub: pub}
	}
	return nil
}

// UnpublishedOneTimeKeys returns keys not yet uploaded, keyed by key id.
func (a *Account) UnpublishedOneTimeKeys() map[string]domain.Curve25519Key {
	out := make(map[string]domain.Curve25519Key)
	for id, k := range a.state.OneTimeKeys {
		if !k.Published {
			out[id] = domain.Curve25519Key(encodeKey(k.Pub[:]))
		}
	}
	return out
}

// MarkKeysAsPublished flags all one-time keys as uploaded.
func (a *Account) MarkKeysAsPublished() {
	for id, k := range a.state.OneTimeKeys {
		k.Published = true
		a.state.OneTimeKeys[id] = k
	}
}

// OneTimeKeyCount returns the number of keys currently held.
func (a *Account) OneTimeKeyCount() int { return len(a.state.OneTimeKeys) }

// takeOneTimeKey consumes the key pair matching pub, if held.
func (a *Account) takeOneTimeKey(pub [32]byte) (oneTimeKeyPair, bool) {
	for id, k := range a.state.OneTimeKeys {
		if k.Pub == pub {
			delete(a.state.OneTimeKeys, id)
			return k, true
		}
	}
	if fb := a.state.FallbackKey; fb != nil && fb.Pub == pub {
		return *fb, true
	}
	return oneTimeKeyPair{}, false
}

// FallbackKey returns the current fallback key and its id, if one exists.
func (a *Account) FallbackKey() (id string, key domain.Curve25519Key, ok bool) {
	fb := a.state.FallbackKey
	if fb == nil {
		return "", "", false
	}
	return fb.ID, domain.Curve25519Key(encodeKey(fb.Pub[:])), true
}

// GenerateFallbackKey replaces the fallback key used when one-time keys
// are exhausted. The old key stays valid until replaced again.
func (a *Account) GenerateFallbackKey() (domain.Curve25519Key, error) {
	priv, pub, err := newKeyPair()
	if err != nil {
		return "", err
	}
	a.state.FallbackKey = &oneTimeKeyPair{ID: uuid.NewString(), Priv: priv, Pub: pub}
	return domain.Curve25519Key(encodeKey(pub[:])), nil
}

// Pickle serializes the account, sealed under key when non-empty.
func (a *Account) Pickle(key []byte) (string, error) {
	return pickle(a.state, key)
}

// AccountFromPickle restores a pickled account.
func AccountFromPickle(pickled string, key []byte) (*Account, error) {
	var st accountState
	if err := unpickle(pickled, key, &st); err != nil {
		return nil, err
	}
	if st.OneTimeKeys == nil {
		st.OneTimeKeys = make(map[string]oneTimeKeyPair)
	}
	return &Account{state: st}, nil
}
