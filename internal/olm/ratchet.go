package olm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"nacre/internal/util/memzero"
)

const (
	ratchetKeySize = 32
	nonceSize      = chacha20poly1305.NonceSize
	maxSkippedKeys = 1000
)

var errChainUninitialised = errors.New("olm: ratchet chain key is uninitialised")

// ratchetState is the mutable double-ratchet state of a pairwise session.
// Fields are exported only for pickling.
type ratchetState struct {
	RootKey      []byte            `json:"rk"`
	DHPriv       [32]byte          `json:"dh_priv"`
	DHPub        [32]byte          `json:"dh_pub"`
	PeerDHPub    [32]byte          `json:"peer_dh_pub"`
	SendChainKey []byte            `json:"send_ck,omitempty"`
	RecvChainKey []byte            `json:"recv_ck,omitempty"`
	SendCount    uint32            `json:"ns"`
	RecvCount    uint32            `json:"nr"`
	PrevChainLen uint32            `json:"pn"`
	Skipped      map[string][]byte `json:"skipped,omitempty"`
}

// ratchetMessage is the inner wire form of one ratcheted message.
type ratchetMessage struct {
	DHPub        [32]byte `json:"dh_pub"`
	PrevChainLen uint32   `json:"pn"`
	Counter      uint32   `json:"n"`
	Ciphertext   []byte   `json:"ct"`
}

// newRatchetInitiator seeds the sending chain from root using a fresh
// ratchet key pair against the peer's identity key.
func newRatchetInitiator(root []byte, peerIdentity [32]byte) (ratchetState, error) {
	priv, pub, err := newKeyPair()
	if err != nil {
		return ratchetState{}, err
	}
	secret, err := dh(priv, peerIdentity)
	if err != nil {
		return ratchetState{}, err
	}
	newRoot, sendCK := kdfRoot(root, secret[:])
	memzero.Zero(secret[:])

	return ratchetState{
		RootKey:      newRoot,
		DHPriv:       priv,
		DHPub:        pub,
		PeerDHPub:    peerIdentity, // replaced by the peer's first ratchet pub
		SendChainKey: sendCK,
		Skipped:      make(map[string][]byte),
	}, nil
}

// newRatchetResponder seeds the receiving chain from root using our
// identity key against the sender's first ratchet pub.
func newRatchetResponder(root []byte, ourIdentityPriv, senderRatchetPub [32]byte) (ratchetState, error) {
	priv, pub, err := newKeyPair()
	if err != nil {
		return ratchetState{}, err
	}
	secret, err := dh(ourIdentityPriv, senderRatchetPub)
	if err != nil {
		return ratchetState{}, err
	}
	newRoot, recvCK := kdfRoot(root, secret[:])
	memzero.Zero(secret[:])

	return ratchetState{
		RootKey:      newRoot,
		DHPriv:       priv,
		DHPub:        pub,
		PeerDHPub:    senderRatchetPub,
		RecvChainKey: recvCK,
		Skipped:      make(map[string][]byte),
	}, nil
}

// encrypt produces one ratcheted message, advancing the sending chain. The
// DH ratchet steps automatically on the first send after receiving.
func (st *ratchetState) encrypt(plaintext []byte) (ratchetMessage, error) {
	if len(st.SendChainKey) == 0 {
		st.PrevChainLen = st.SendCount
		st.SendCount = 0

		priv, pub, err := newKeyPair()
		if err != nil {
			return ratchetMessage{}, err
		}
		secret, err := dh(priv, st.PeerDHPub)
		if err != nil {
			return ratchetMessage{}, err
		}
		newRoot, sendCK := kdfRoot(st.RootKey, secret[:])
		memzero.Zero(secret[:])

		st.RootKey = newRoot
		st.DHPriv, st.DHPub = priv, pub
		st.SendChainKey = sendCK
	}

	mk, err := st.nextSendKey()
	if err != nil {
		return ratchetMessage{}, err
	}
	msg := ratchetMessage{DHPub: st.DHPub, PrevChainLen: st.PrevChainLen, Counter: st.SendCount}

	ct, err := seal(mk, msg.Counter, msgAAD(msg), plaintext)
	memzero.Zero(mk)
	if err != nil {
		return ratchetMessage{}, err
	}
	msg.Ciphertext = ct
	st.SendCount++
	return msg, nil
}

// decrypt opens one ratcheted message, handling skipped keys and stepping
// the DH ratchet on a new remote pub.
func (st *ratchetState) decrypt(msg ratchetMessage) ([]byte, error) {
	if st.PeerDHPub == msg.DHPub {
		st.skipUntil(msg.Counter)
		if mk, ok := st.Skipped[skippedKeyID(st.PeerDHPub, msg.Counter)]; ok {
			delete(st.Skipped, skippedKeyID(st.PeerDHPub, msg.Counter))
			pt, err := open(mk, msg.Counter, msgAAD(msg), msg.Ciphertext)
			memzero.Zero(mk)
			if err != nil {
				return nil, err
			}
			st.RecvCount = msg.Counter + 1
			return pt, nil
		}
	} else {
		st.skipUntil(msg.PrevChainLen)

		secret, err := dh(st.DHPriv, msg.DHPub)
		if err != nil {
			return nil, err
		}
		rootAfterRecv, recvCK := kdfRoot(st.RootKey, secret[:])
		memzero.Zero(secret[:])

		priv, pub, err := newKeyPair()
		if err != nil {
			return nil, err
		}
		secret2, err := dh(priv, msg.DHPub)
		if err != nil {
			return nil, err
		}
		rootAfterSend, sendCK := kdfRoot(rootAfterRecv, secret2[:])
		memzero.Zero(secret2[:])

		st.PrevChainLen = st.SendCount
		st.SendCount, st.RecvCount = 0, 0
		st.RootKey = rootAfterSend
		st.DHPriv, st.DHPub = priv, pub
		st.PeerDHPub = msg.DHPub
		st.SendChainKey, st.RecvChainKey = sendCK, recvCK
	}

	mk, err := st.nextRecvKey()
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, msg.Counter, msgAAD(msg), msg.Ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.RecvCount++
	return pt, nil
}

func (st *ratchetState) nextSendKey() ([]byte, error) {
	if len(st.SendChainKey) == 0 {
		return nil, errChainUninitialised
	}
	next, mk := kdfChain(st.SendChainKey)
	st.SendChainKey = next
	return mk, nil
}

func (st *ratchetState) nextRecvKey() ([]byte, error) {
	if len(st.RecvChainKey) == 0 {
		return nil, errChainUninitialised
	}
	next, mk := kdfChain(st.RecvChainKey)
	st.RecvChainKey = next
	return mk, nil
}

// skipUntil derives and caches message keys up to n with a hard cap.
func (st *ratchetState) skipUntil(n uint32) {
	for st.RecvCount < n {
		mk, err := st.nextRecvKey()
		if err != nil {
			return
		}
		if len(st.Skipped) >= maxSkippedKeys {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		if st.Skipped == nil {
			st.Skipped = make(map[string][]byte)
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.RecvCount)] = mk
		st.RecvCount++
	}
}

// --- helpers ---

func newKeyPair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	res, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}

func kdfRoot(root, secret []byte) (newRoot, chainKey []byte) {
	r := hkdf.New(sha256.New, secret, root, []byte("nacre-olm|rk"))
	newRoot = make([]byte, ratchetKeySize)
	chainKey = make([]byte, ratchetKeySize)
	_, _ = io.ReadFull(r, newRoot)
	_, _ = io.ReadFull(r, chainKey)
	return
}

func kdfChain(chainKey []byte) (next, messageKey []byte) {
	r := hkdf.New(sha256.New, chainKey, nil, []byte("nacre-olm|ck"))
	next = make([]byte, ratchetKeySize)
	messageKey = make([]byte, ratchetKeySize)
	_, _ = io.ReadFull(r, next)
	_, _ = io.ReadFull(r, messageKey)
	return
}

func seal(mk []byte, counter uint32, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:ratchetKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, counterNonce(counter), plaintext, aad), nil
}

func open(mk []byte, counter uint32, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:ratchetKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, counterNonce(counter), ciphertext, aad)
}

func counterNonce(n uint32) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], n)
	return nonce
}

// msgAAD binds header fields into the AEAD.
func msgAAD(m ratchetMessage) []byte {
	out := make([]byte, 0, 32+8)
	out = append(out, m.DHPub[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], m.PrevChainLen)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], m.Counter)
	out = append(out, b[:]...)
	return out
}

// skippedKeyID must stay valid UTF-8 so the skipped map survives pickling.
func skippedKeyID(peer [32]byte, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return encodeKey(b)
}
