package olm

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"nacre/internal/domain"
	"nacre/internal/util/memzero"
)

var (
	// ErrBadMessageFormat means a message body could not be decoded.
	ErrBadMessageFormat = errors.New("olm: bad message format")
	// ErrNotPreKeyMessage means a pre-key operation got an ordinary message.
	ErrNotPreKeyMessage = errors.New("olm: not a pre-key message")
	// ErrDecryptFailed means the ratchet could not open the ciphertext.
	ErrDecryptFailed = errors.New("olm: decrypt failed")
)

// Message is one pairwise ciphertext with its type discriminator.
type Message struct {
	Type domain.OlmMessageType
	Body string
}

// handshake pins the triple-DH parameters of a session so pre-key messages
// can be re-sent and matched until the channel is confirmed.
type handshake struct {
	InitiatorIdentity [32]byte `json:"initiator_identity"`
	InitiatorEph      [32]byte `json:"initiator_eph"`
	OneTimeKey        [32]byte `json:"one_time_key"`
}

type sessionState struct {
	ID          domain.SessionID `json:"id"`
	Ratchet     ratchetState     `json:"ratchet"`
	Handshake   handshake        `json:"handshake"`
	Established bool             `json:"established"`
	Outbound    bool             `json:"outbound"`
}

// Session is one pairwise double-ratchet channel with a peer device.
type Session struct {
	state sessionState
}

// preKeyBody is the wire form of a pre-key message: the triple-DH
// parameters plus the first ratcheted message.
type preKeyBody struct {
	IdentityKey  string         `json:"identity_key"`
	EphemeralKey string         `json:"ephemeral_key"`
	OneTimeKey   string         `json:"one_time_key"`
	Message      ratchetMessage `json:"message"`
}

// NewOutboundSession creates a session toward a peer from its identity key
// and a claimed one-time key.
func NewOutboundSession(account *Account, peerIdentity, peerOneTimeKey domain.Curve25519Key) (*Session, error) {
	theirIdentity, err := decodeKey32(string(peerIdentity))
	if err != nil {
		return nil, err
	}
	theirOneTime, err := decodeKey32(string(peerOneTimeKey))
	if err != nil {
		return nil, err
	}

	ephPriv, ephPub, err := newKeyPair()
	if err != nil {
		return nil, err
	}

	root, err := tripleDH(
		account.state.IdentityPriv, theirOneTime,
		ephPriv, theirIdentity,
		ephPriv, theirOneTime,
	)
	if err != nil {
		return nil, err
	}
	st, err := newRatchetInitiator(root, theirIdentity)
	memzero.Zero(root)
	if err != nil {
		return nil, err
	}

	hs := handshake{
		InitiatorIdentity: account.state.IdentityPub,
		InitiatorEph:      ephPub,
		OneTimeKey:        theirOneTime,
	}
	return &Session{state: sessionState{
		ID:        sessionID(hs),
		Ratchet:   st,
		Handshake: hs,
		Outbound:  true,
	}}, nil
}

// NewInboundSession creates a session from a received pre-key message,
// consuming the referenced one-time key from the account. The first
// plaintext is returned alongside the session.
func NewInboundSession(account *Account, msg Message) (*Session, []byte, error) {
	if msg.Type != domain.OlmMessageTypePreKey {
		return nil, nil, ErrNotPreKeyMessage
	}
	body, err := decodePreKeyBody(msg.Body)
	if err != nil {
		return nil, nil, err
	}
	theirIdentity, err := decodeKey32(body.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	theirEph, err := decodeKey32(body.EphemeralKey)
	if err != nil {
		return nil, nil, err
	}
	oneTimePub, err := decodeKey32(body.OneTimeKey)
	if err != nil {
		return nil, nil, err
	}

	otk, ok := account.takeOneTimeKey(oneTimePub)
	if !ok {
		return nil, nil, ErrNoMatchingOneTimeKey
	}

	root, err := tripleDH(
		otk.Priv, theirIdentity,
		account.state.IdentityPriv, theirEph,
		otk.Priv, theirEph,
	)
	if err != nil {
		return nil, nil, err
	}
	st, err := newRatchetResponder(root, account.state.IdentityPriv, body.Message.DHPub)
	memzero.Zero(root)
	if err != nil {
		return nil, nil, err
	}

	hs := handshake{
		InitiatorIdentity: theirIdentity,
		InitiatorEph:      theirEph,
		OneTimeKey:        oneTimePub,
	}
	sess := &Session{state: sessionState{
		ID:          sessionID(hs),
		Ratchet:     st,
		Handshake:   hs,
		Established: true,
	}}
	plaintext, err := sess.state.Ratchet.decrypt(body.Message)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return sess, plaintext, nil
}

// ID returns the session identifier, stable across pickling and identical
// on both ends of the handshake.
func (s *Session) ID() domain.SessionID { return s.state.ID }

// Encrypt advances the ratchet and produces the next message. Outbound
// sessions keep emitting pre-key messages until a reply confirms the
// channel.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	msg, err := s.state.Ratchet.encrypt(plaintext)
	if err != nil {
		return Message{}, err
	}
	if s.state.Outbound && !s.state.Established {
		body, err := encodePreKeyBody(preKeyBody{
			IdentityKey:  encodeKey(s.state.Handshake.InitiatorIdentity[:]),
			EphemeralKey: encodeKey(s.state.Handshake.InitiatorEph[:]),
			OneTimeKey:   encodeKey(s.state.Handshake.OneTimeKey[:]),
			Message:      msg,
		})
		if err != nil {
			return Message{}, err
		}
		return Message{Type: domain.OlmMessageTypePreKey, Body: body}, nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: domain.OlmMessageTypeNormal, Body: encodeKey(raw)}, nil
}

// Decrypt advances the ratchet and opens the message. A successful decrypt
// confirms the channel, ending the pre-key phase.
func (s *Session) Decrypt(msg Message) ([]byte, error) {
	inner, err := innerMessage(msg)
	if err != nil {
		return nil, err
	}
	pt, err := s.state.Ratchet.decrypt(inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	s.state.Established = true
	return pt, nil
}

// MatchesInboundSession reports whether a pre-key message belongs to this
// session's handshake.
func (s *Session) MatchesInboundSession(msg Message) (bool, error) {
	if msg.Type != domain.OlmMessageTypePreKey {
		return false, ErrNotPreKeyMessage
	}
	body, err := decodePreKeyBody(msg.Body)
	if err != nil {
		return false, err
	}
	return body.IdentityKey == encodeKey(s.state.Handshake.InitiatorIdentity[:]) &&
		body.EphemeralKey == encodeKey(s.state.Handshake.InitiatorEph[:]) &&
		body.OneTimeKey == encodeKey(s.state.Handshake.OneTimeKey[:]), nil
}

// Pickle serializes the session, sealed under key when non-empty.
func (s *Session) Pickle(key []byte) (string, error) {
	return pickle(s.state, key)
}

// SessionFromPickle restores a pickled session.
func SessionFromPickle(pickled string, key []byte) (*Session, error) {
	var st sessionState
	if err := unpickle(pickled, key, &st); err != nil {
		return nil, err
	}
	return &Session{state: st}, nil
}

// --- helpers ---

// tripleDH derives the session root key from three DH pairings.
func tripleDH(p1, q1, p2, q2, p3, q3 [32]byte) ([]byte, error) {
	concat := make([]byte, 0, 96)
	for _, pair := range [][2][32]byte{{p1, q1}, {p2, q2}, {p3, q3}} {
		secret, err := dh(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		concat = append(concat, secret[:]...)
		memzero.Zero(secret[:])
	}
	root, _ := kdfRoot(nil, concat)
	memzero.Zero(concat)
	return root, nil
}

// sessionID fingerprints the handshake publics. Both sides derive the same
// value.
func sessionID(hs handshake) domain.SessionID {
	h := sha256.New()
	h.Write(hs.InitiatorIdentity[:])
	h.Write(hs.InitiatorEph[:])
	h.Write(hs.OneTimeKey[:])
	return domain.SessionID(encodeKey(h.Sum(nil)))
}

func encodePreKeyBody(b preKeyBody) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return encodeKey(raw), nil
}

func decodePreKeyBody(body string) (preKeyBody, error) {
	var b preKeyBody
	raw, err := decodeBody(body)
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	return b, nil
}

func innerMessage(msg Message) (ratchetMessage, error) {
	if msg.Type == domain.OlmMessageTypePreKey {
		body, err := decodePreKeyBody(msg.Body)
		if err != nil {
			return ratchetMessage{}, err
		}
		return body.Message, nil
	}
	var inner ratchetMessage
	raw, err := decodeBody(msg.Body)
	if err != nil {
		return ratchetMessage{}, err
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return ratchetMessage{}, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	return inner, nil
}
