package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"nacre/internal/domain"
	"nacre/internal/util/memzero"
)

const (
	stateFile = "crypto_state.enc"
	saltBytes = 16
	keyBytes  = 32
)

// persistState is the flat serializable form of the store. Struct-keyed
// maps are flattened into lists.
type persistState struct {
	Account          string                                                  `json:"account,omitempty"`
	OlmSessions      map[domain.Curve25519Key][]domain.StoredOlmSession      `json:"olm_sessions,omitempty"`
	OutboundSessions map[domain.RoomID]domain.StoredOutboundMegolmSession    `json:"outbound_sessions,omitempty"`
	InboundSessions  []domain.StoredInboundMegolmSession                     `json:"inbound_sessions,omitempty"`
	MessageIndexes   []persistedMessageIndex                                 `json:"message_indexes,omitempty"`
	DeviceKeys       map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys `json:"device_keys,omitempty"`
	CrossSigningKeys map[domain.UserID][]domain.CrossSigningKeys             `json:"cross_signing_keys,omitempty"`
	Verification     []persistedVerification                                 `json:"verification,omitempty"`
	PreviousMaster   map[domain.UserID]domain.Ed25519Key                     `json:"previous_master,omitempty"`
	Secrets          map[domain.CrossSigningUsage]string                     `json:"secrets,omitempty"`
	Members          map[domain.RoomID]map[domain.UserID]domain.Membership   `json:"members,omitempty"`
}

type persistedMessageIndex struct {
	RoomID    domain.RoomID             `json:"room_id"`
	SessionID domain.SessionID          `json:"session_id"`
	Index     uint32                    `json:"index"`
	Record    domain.MegolmMessageIndex `json:"record"`
}

type persistedVerification struct {
	UserID domain.UserID            `json:"user_id"`
	Key    domain.Ed25519Key        `json:"key"`
	State  domain.VerificationState `json:"state"`
}

// FileStore persists the whole store state to a single passphrase-encrypted
// file. It embeds a MemoryStore and writes through after every update.
type FileStore struct {
	*MemoryStore
	dir        string
	passphrase string

	persistMu sync.Mutex
}

// NewFileStore opens or creates a store under dir.
func NewFileStore(dir, passphrase string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	fs := &FileStore{MemoryStore: NewMemoryStore(), dir: dir, passphrase: passphrase}
	if err := fs.load(); err != nil {
		return nil, err
	}
	fs.MemoryStore.onChange = func() {
		if err := fs.persist(); err != nil {
			// Persistence failures surface on the next load; the in-memory
			// state is still authoritative for this process.
			fmt.Fprintf(os.Stderr, "nacre: persist store: %v\n", err)
		}
	}
	return fs, nil
}

func (s *FileStore) load() error {
	blob, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	raw, err := decryptState(s.passphrase, blob)
	if err != nil {
		return err
	}
	defer memzero.Zero(raw)
	var p persistState
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	s.MemoryStore.restore(p)
	return nil
}

func (s *FileStore) persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	raw, err := s.MemoryStore.snapshotJSON()
	if err != nil {
		return err
	}
	blob, err := encryptState(s.passphrase, raw)
	memzero.Zero(raw)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, stateFile))
}

// snapshotJSON flattens and serializes the in-memory state for
// persistence. Marshaling happens under the read lock: the persistState
// fields alias the live maps, so the bytes must be produced before any
// per-key updater can mutate them again.
func (m *MemoryStore) snapshotJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := persistState{
		Account:          m.state.Account,
		OlmSessions:      m.state.OlmSessions,
		OutboundSessions: m.state.OutboundSessions,
		DeviceKeys:       m.state.DeviceKeys,
		CrossSigningKeys: m.state.CrossSigningKeys,
		PreviousMaster:   m.state.PreviousMaster,
		Secrets:          m.state.Secrets,
		Members:          m.state.Members,
	}
	for _, sess := range m.state.InboundSessions {
		p.InboundSessions = append(p.InboundSessions, sess)
	}
	for k, rec := range m.state.MessageIndexes {
		p.MessageIndexes = append(p.MessageIndexes, persistedMessageIndex{
			RoomID: k.RoomID, SessionID: k.SessionID, Index: k.Index, Record: rec,
		})
	}
	for k, st := range m.state.Verification {
		p.Verification = append(p.Verification, persistedVerification{
			UserID: k.UserID, Key: k.Key, State: st,
		})
	}
	return json.Marshal(p)
}

// restore rebuilds the in-memory state from its flattened form.
func (m *MemoryStore) restore(p persistState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := newMemoryState()
	st.Account = p.Account
	if p.OlmSessions != nil {
		st.OlmSessions = p.OlmSessions
	}
	if p.OutboundSessions != nil {
		st.OutboundSessions = p.OutboundSessions
	}
	if p.DeviceKeys != nil {
		st.DeviceKeys = p.DeviceKeys
	}
	if p.CrossSigningKeys != nil {
		st.CrossSigningKeys = p.CrossSigningKeys
	}
	if p.PreviousMaster != nil {
		st.PreviousMaster = p.PreviousMaster
	}
	if p.Secrets != nil {
		st.Secrets = p.Secrets
	}
	if p.Members != nil {
		st.Members = p.Members
	}
	for _, sess := range p.InboundSessions {
		st.InboundSessions[inboundSessionKey{sess.RoomID, sess.SessionID, sess.SenderKey}] = sess
	}
	for _, rec := range p.MessageIndexes {
		st.MessageIndexes[messageIndexKey{rec.RoomID, rec.SessionID, rec.Index}] = rec.Record
	}
	for _, v := range p.Verification {
		st.Verification[verificationKey{v.UserID, v.Key}] = v.State
	}
	m.state = st
}

// ---------- at-rest encryption ----------

func deriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 1<<16, 8, keyBytes)
}

// encryptState seals raw under a passphrase-derived key. Layout:
// salt || nonce || ciphertext.
func encryptState(passphrase string, raw []byte) ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	kek := deriveKEK(passphrase, salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltBytes+len(nonce)+len(raw)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, raw, nil), nil
}

func decryptState(passphrase string, blob []byte) ([]byte, error) {
	if len(blob) < saltBytes+chacha20poly1305.NonceSize {
		return nil, errors.New("store: state file truncated")
	}
	salt := blob[:saltBytes]
	nonce := blob[saltBytes : saltBytes+chacha20poly1305.NonceSize]
	ct := blob[saltBytes+chacha20poly1305.NonceSize:]

	kek := deriveKEK(passphrase, salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt state: %w", err)
	}
	return pt, nil
}
