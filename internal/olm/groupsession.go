package olm

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"nacre/internal/domain"
)

var (
	// ErrUnknownMessageIndex means the ciphertext index predates the first
	// index known to the inbound session.
	ErrUnknownMessageIndex = errors.New("olm: message index below first known index")
	// ErrBadGroupSignature means the group message signature did not verify.
	ErrBadGroupSignature = errors.New("olm: bad group message signature")
)

// outboundGroupState is the sender-side group ratchet: a chain key advanced
// once per message plus a per-session signing key.
type outboundGroupState struct {
	ID       domain.SessionID   `json:"id"`
	ChainKey [32]byte           `json:"chain_key"`
	Index    uint32             `json:"index"`
	SignPriv ed25519.PrivateKey `json:"sign_priv"`
	SignPub  ed25519.PublicKey  `json:"sign_pub"`
}

// OutboundGroupSession encrypts room messages for all receiving devices.
type OutboundGroupSession struct {
	state outboundGroupState
}

// groupSessionKey is the exported form handed to receivers over Olm.
type groupSessionKey struct {
	ID       domain.SessionID  `json:"id"`
	ChainKey [32]byte          `json:"chain_key"`
	Index    uint32            `json:"index"`
	SignPub  ed25519.PublicKey `json:"sign_pub"`
}

// groupMessage is the signed wire form of one group ciphertext.
type groupMessage struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

type groupPayload struct {
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ct"`
}

// NewOutboundGroupSession creates a fresh group session.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	var chain [32]byte
	if _, err := rand.Read(chain[:]); err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &OutboundGroupSession{state: outboundGroupState{
		ID:       domain.SessionID(uuid.NewString()),
		ChainKey: chain,
		SignPriv: signPriv,
		SignPub:  signPub,
	}}, nil
}

// ID returns the session identifier.
func (s *OutboundGroupSession) ID() domain.SessionID { return s.state.ID }

// MessageIndex returns the index the next message will use.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.state.Index }

// SigningKey returns the per-session Ed25519 public key.
func (s *OutboundGroupSession) SigningKey() domain.Ed25519Key {
	return domain.Ed25519Key(encodeKey(s.state.SignPub))
}

// SessionKey exports the ratchet at its current index for distribution.
// Receivers created from this export cannot decrypt earlier indices.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	raw, err := json.Marshal(groupSessionKey{
		ID:       s.state.ID,
		ChainKey: s.state.ChainKey,
		Index:    s.state.Index,
		SignPub:  s.state.SignPub,
	})
	if err != nil {
		return "", err
	}
	return encodeKey(raw), nil
}

// Encrypt produces the next signed group ciphertext, advancing the chain.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, uint32, error) {
	mk := groupMessageKey(s.state.ChainKey)
	ct, err := seal(mk[:], s.state.Index, nil, plaintext)
	if err != nil {
		return "", 0, err
	}
	payload, err := json.Marshal(groupPayload{Index: s.state.Index, Ciphertext: ct})
	if err != nil {
		return "", 0, err
	}
	msg := groupMessage{
		Payload:   payload,
		Signature: ed25519.Sign(s.state.SignPriv, payload),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", 0, err
	}

	index := s.state.Index
	s.state.ChainKey = advanceGroupChain(s.state.ChainKey)
	s.state.Index++
	return encodeKey(raw), index, nil
}

// Pickle serializes the session, sealed under key when non-empty.
func (s *OutboundGroupSession) Pickle(key []byte) (string, error) {
	return pickle(s.state, key)
}

// OutboundGroupSessionFromPickle restores a pickled outbound group session.
func OutboundGroupSessionFromPickle(pickled string, key []byte) (*OutboundGroupSession, error) {
	var st outboundGroupState
	if err := unpickle(pickled, key, &st); err != nil {
		return nil, err
	}
	return &OutboundGroupSession{state: st}, nil
}

// inboundGroupState keeps the earliest known ratchet position; message keys
// for later indices are re-derived from it on demand.
type inboundGroupState struct {
	ID              domain.SessionID  `json:"id"`
	ChainKey        [32]byte          `json:"chain_key"`
	FirstKnownIndex uint32            `json:"first_known_index"`
	SignPub         ed25519.PublicKey `json:"sign_pub"`
}

// InboundGroupSession decrypts group ciphertext from one sender session.
type InboundGroupSession struct {
	state inboundGroupState
}

// NewInboundGroupSession builds a receiver from an exported session key.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	raw, err := decodeBody(sessionKey)
	if err != nil {
		return nil, err
	}
	var sk groupSessionKey
	if err := json.Unmarshal(raw, &sk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	if len(sk.SignPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad signing key size", ErrBadMessageFormat)
	}
	return &InboundGroupSession{state: inboundGroupState{
		ID:              sk.ID,
		ChainKey:        sk.ChainKey,
		FirstKnownIndex: sk.Index,
		SignPub:         sk.SignPub,
	}}, nil
}

// ID returns the session identifier.
func (s *InboundGroupSession) ID() domain.SessionID { return s.state.ID }

// FirstKnownIndex returns the earliest decryptable message index.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.state.FirstKnownIndex }

// SigningKey returns the per-session Ed25519 public key of the sender.
func (s *InboundGroupSession) SigningKey() domain.Ed25519Key {
	return domain.Ed25519Key(encodeKey(s.state.SignPub))
}

// Decrypt verifies and opens one group ciphertext, returning the plaintext
// and its message index.
func (s *InboundGroupSession) Decrypt(body string) ([]byte, uint32, error) {
	raw, err := decodeBody(body)
	if err != nil {
		return nil, 0, err
	}
	var msg groupMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	if !ed25519.Verify(s.state.SignPub, msg.Payload, msg.Signature) {
		return nil, 0, ErrBadGroupSignature
	}
	var payload groupPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	if payload.Index < s.state.FirstKnownIndex {
		return nil, 0, ErrUnknownMessageIndex
	}

	chain := s.state.ChainKey
	for i := s.state.FirstKnownIndex; i < payload.Index; i++ {
		chain = advanceGroupChain(chain)
	}
	mk := groupMessageKey(chain)
	pt, err := open(mk[:], payload.Index, nil, payload.Ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return pt, payload.Index, nil
}

// Pickle serializes the session, sealed under key when non-empty.
func (s *InboundGroupSession) Pickle(key []byte) (string, error) {
	return pickle(s.state, key)
}

// InboundGroupSessionFromPickle restores a pickled inbound group session.
func InboundGroupSessionFromPickle(pickled string, key []byte) (*InboundGroupSession, error) {
	var st inboundGroupState
	if err := unpickle(pickled, key, &st); err != nil {
		return nil, err
	}
	return &InboundGroupSession{state: st}, nil
}

// --- chain helpers ---

// advanceGroupChain derives the next chain key.
func advanceGroupChain(chain [32]byte) [32]byte {
	return groupHMAC(chain, 0x02)
}

// groupMessageKey derives the message key at the chain's current position.
func groupMessageKey(chain [32]byte) [32]byte {
	return groupHMAC(chain, 0x01)
}

func groupHMAC(chain [32]byte, label byte) [32]byte {
	h := hmac.New(sha256.New, chain[:])
	h.Write([]byte{label})
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
