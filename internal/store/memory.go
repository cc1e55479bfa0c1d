package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"nacre/internal/domain"
	"nacre/internal/util/keymutex"
)

type inboundSessionKey struct {
	RoomID    domain.RoomID
	SessionID domain.SessionID
	SenderKey domain.Curve25519Key
}

type messageIndexKey struct {
	RoomID    domain.RoomID
	SessionID domain.SessionID
	Index     uint32
}

type verificationKey struct {
	UserID domain.UserID
	Key    domain.Ed25519Key
}

// memoryState is the full mutable state of a MemoryStore. FileStore
// converts it to a flat serializable form for persistence.
type memoryState struct {
	Account          string
	OlmSessions      map[domain.Curve25519Key][]domain.StoredOlmSession
	OutboundSessions map[domain.RoomID]domain.StoredOutboundMegolmSession
	InboundSessions  map[inboundSessionKey]domain.StoredInboundMegolmSession
	MessageIndexes   map[messageIndexKey]domain.MegolmMessageIndex
	DeviceKeys       map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys
	CrossSigningKeys map[domain.UserID][]domain.CrossSigningKeys
	Verification     map[verificationKey]domain.VerificationState
	PreviousMaster   map[domain.UserID]domain.Ed25519Key
	Secrets          map[domain.CrossSigningUsage]string
	Members          map[domain.RoomID]map[domain.UserID]domain.Membership
}

func newMemoryState() memoryState {
	return memoryState{
		OlmSessions:      make(map[domain.Curve25519Key][]domain.StoredOlmSession),
		OutboundSessions: make(map[domain.RoomID]domain.StoredOutboundMegolmSession),
		InboundSessions:  make(map[inboundSessionKey]domain.StoredInboundMegolmSession),
		MessageIndexes:   make(map[messageIndexKey]domain.MegolmMessageIndex),
		DeviceKeys:       make(map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys),
		CrossSigningKeys: make(map[domain.UserID][]domain.CrossSigningKeys),
		Verification:     make(map[verificationKey]domain.VerificationState),
		PreviousMaster:   make(map[domain.UserID]domain.Ed25519Key),
		Secrets:          make(map[domain.CrossSigningUsage]string),
		Members:          make(map[domain.RoomID]map[domain.UserID]domain.Membership),
	}
}

// MemoryStore is an in-memory implementation of the session, key, secret
// and room membership contracts. Update methods honor the per-key atomic
// read-modify-write guarantee through a key-addressed lock table.
type MemoryStore struct {
	locks *keymutex.KeyMutex

	mu    sync.RWMutex
	state memoryState

	onChange func() // FileStore persistence hook, called outside mu
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: keymutex.New(), state: newMemoryState()}
}

func (m *MemoryStore) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}

// ---------- account ----------

// Account returns the pickled account, or "".
func (m *MemoryStore) Account(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Account, nil
}

// UpdateAccount replaces the pickled account atomically.
func (m *MemoryStore) UpdateAccount(ctx context.Context, update func(old string) (string, error)) error {
	unlock := m.locks.Lock("account")
	defer unlock()

	m.mu.RLock()
	old := m.state.Account
	m.mu.RUnlock()

	updated, err := update(old)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state.Account = updated
	m.mu.Unlock()
	m.changed()
	return nil
}

// ---------- olm sessions ----------

// OlmSessions lists sessions for an identity key, most-recently-used first.
func (m *MemoryStore) OlmSessions(ctx context.Context, identityKey domain.Curve25519Key) ([]domain.StoredOlmSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortSessions(append([]domain.StoredOlmSession(nil), m.state.OlmSessions[identityKey]...)), nil
}

// UpdateOlmSessions mutates the session list for one identity key.
func (m *MemoryStore) UpdateOlmSessions(ctx context.Context, identityKey domain.Curve25519Key, update func(old []domain.StoredOlmSession) ([]domain.StoredOlmSession, error)) error {
	unlock := m.locks.Lock("olm|" + string(identityKey))
	defer unlock()

	m.mu.RLock()
	old := sortSessions(append([]domain.StoredOlmSession(nil), m.state.OlmSessions[identityKey]...))
	m.mu.RUnlock()

	updated, err := update(old)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if updated == nil {
		delete(m.state.OlmSessions, identityKey)
	} else {
		m.state.OlmSessions[identityKey] = updated
	}
	m.mu.Unlock()
	m.changed()
	return nil
}

// ---------- megolm sessions ----------

// OutboundMegolmSession returns the active group session for a room, or nil.
func (m *MemoryStore) OutboundMegolmSession(ctx context.Context, roomID domain.RoomID) (*domain.StoredOutboundMegolmSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.state.OutboundSessions[roomID]; ok {
		cp := s
		return &cp, nil
	}
	return nil, nil
}

// UpdateOutboundMegolmSession mutates a room's outbound session.
func (m *MemoryStore) UpdateOutboundMegolmSession(ctx context.Context, roomID domain.RoomID, update func(old *domain.StoredOutboundMegolmSession) (*domain.StoredOutboundMegolmSession, error)) error {
	unlock := m.locks.Lock("megolm-out|" + string(roomID))
	defer unlock()

	m.mu.RLock()
	var old *domain.StoredOutboundMegolmSession
	if s, ok := m.state.OutboundSessions[roomID]; ok {
		cp := s
		old = &cp
	}
	m.mu.RUnlock()

	updated, err := update(old)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if updated == nil {
		delete(m.state.OutboundSessions, roomID)
	} else {
		m.state.OutboundSessions[roomID] = *updated
	}
	m.mu.Unlock()
	m.changed()
	return nil
}

// InboundMegolmSession returns a received group session, or nil.
func (m *MemoryStore) InboundMegolmSession(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, senderKey domain.Curve25519Key) (*domain.StoredInboundMegolmSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.state.InboundSessions[inboundSessionKey{roomID, sessionID, senderKey}]; ok {
		cp := s
		return &cp, nil
	}
	return nil, nil
}

// UpdateInboundMegolmSession creates or mutates a received group session.
func (m *MemoryStore) UpdateInboundMegolmSession(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, senderKey domain.Curve25519Key, update func(old *domain.StoredInboundMegolmSession) (*domain.StoredInboundMegolmSession, error)) error {
	k := inboundSessionKey{roomID, sessionID, senderKey}
	unlock := m.locks.Lock("megolm-in|" + string(roomID) + "|" + string(sessionID) + "|" + string(senderKey))
	defer unlock()

	m.mu.RLock()
	var old *domain.StoredInboundMegolmSession
	if s, ok := m.state.InboundSessions[k]; ok {
		cp := s
		old = &cp
	}
	m.mu.RUnlock()

	updated, err := update(old)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if updated == nil {
		delete(m.state.InboundSessions, k)
	} else {
		m.state.InboundSessions[k] = *updated
	}
	m.mu.Unlock()
	m.changed()
	return nil
}

// InboundSessionsOf lists received group sessions of one sender in a room.
func (m *MemoryStore) InboundSessionsOf(ctx context.Context, roomID domain.RoomID, senderKey domain.Curve25519Key) ([]domain.StoredInboundMegolmSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.StoredInboundMegolmSession
	for k, s := range m.state.InboundSessions {
		if k.RoomID == roomID && k.SenderKey == senderKey {
			out = append(out, s)
		}
	}
	return out, nil
}

// UpdateMegolmMessageIndex performs the atomic check-and-insert backing
// replay protection.
func (m *MemoryStore) UpdateMegolmMessageIndex(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, index uint32, update func(old *domain.MegolmMessageIndex) (*domain.MegolmMessageIndex, error)) error {
	k := messageIndexKey{roomID, sessionID, index}
	unlock := m.locks.Lock("megolm-idx|" + string(roomID) + "|" + string(sessionID) + "|" + itoa(index))
	defer unlock()

	m.mu.RLock()
	var old *domain.MegolmMessageIndex
	if r, ok := m.state.MessageIndexes[k]; ok {
		cp := r
		old = &cp
	}
	m.mu.RUnlock()

	updated, err := update(old)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if updated == nil {
		delete(m.state.MessageIndexes, k)
	} else {
		m.state.MessageIndexes[k] = *updated
	}
	m.mu.Unlock()
	m.changed()
	return nil
}

// ---------- key store ----------

// DeviceKeys returns all cached device keys of a user.
func (m *MemoryStore) DeviceKeys(ctx context.Context, userID domain.UserID) (map[domain.DeviceID]domain.DeviceKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.DeviceID]domain.DeviceKeys, len(m.state.DeviceKeys[userID]))
	for id, keys := range m.state.DeviceKeys[userID] {
		out[id] = keys
	}
	return out, nil
}

// DeviceCurveKey resolves a device's Curve25519 identity key.
func (m *MemoryStore) DeviceCurveKey(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID) (domain.Curve25519Key, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys, ok := m.state.DeviceKeys[userID][deviceID]
	if !ok {
		return "", false, nil
	}
	k, ok := keys.CurveKey()
	return k, ok, nil
}

// DeviceEdKey resolves a device's Ed25519 signing key.
func (m *MemoryStore) DeviceEdKey(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID) (domain.Ed25519Key, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys, ok := m.state.DeviceKeys[userID][deviceID]
	if !ok {
		return "", false, nil
	}
	k, ok := keys.EdKey()
	return k, ok, nil
}

// FindDeviceKeysBySenderKey resolves device keys by Curve25519 sender key.
func (m *MemoryStore) FindDeviceKeysBySenderKey(ctx context.Context, userID domain.UserID, senderKey domain.Curve25519Key) (*domain.DeviceKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, keys := range m.state.DeviceKeys[userID] {
		if k, ok := keys.CurveKey(); ok && k == senderKey {
			cp := keys
			return &cp, nil
		}
	}
	return nil, nil
}

// SetDeviceKeys caches one device's keys.
func (m *MemoryStore) SetDeviceKeys(keys domain.DeviceKeys) {
	m.mu.Lock()
	if m.state.DeviceKeys[keys.UserID] == nil {
		m.state.DeviceKeys[keys.UserID] = make(map[domain.DeviceID]domain.DeviceKeys)
	}
	m.state.DeviceKeys[keys.UserID][keys.DeviceID] = keys
	m.mu.Unlock()
	m.changed()
}

// CrossSigningKeys returns a user's published cross-signing keys.
func (m *MemoryStore) CrossSigningKeys(ctx context.Context, userID domain.UserID) ([]domain.CrossSigningKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.CrossSigningKeys(nil), m.state.CrossSigningKeys[userID]...), nil
}

// SetCrossSigningKeys caches a user's cross-signing keys.
func (m *MemoryStore) SetCrossSigningKeys(userID domain.UserID, keys []domain.CrossSigningKeys) {
	m.mu.Lock()
	m.state.CrossSigningKeys[userID] = append([]domain.CrossSigningKeys(nil), keys...)
	m.mu.Unlock()
	m.changed()
}

// VerificationState returns the local user's explicit mark on a key.
func (m *MemoryStore) VerificationState(ctx context.Context, userID domain.UserID, key domain.Ed25519Key) (domain.VerificationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Verification[verificationKey{userID, key}], nil
}

// SetVerificationState records an explicit mark.
func (m *MemoryStore) SetVerificationState(ctx context.Context, userID domain.UserID, key domain.Ed25519Key, state domain.VerificationState) error {
	m.mu.Lock()
	m.state.Verification[verificationKey{userID, key}] = state
	m.mu.Unlock()
	m.changed()
	return nil
}

// PreviouslyVerifiedMasterKey returns the last verified master key value.
func (m *MemoryStore) PreviouslyVerifiedMasterKey(ctx context.Context, userID domain.UserID) (domain.Ed25519Key, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.state.PreviousMaster[userID]
	return k, ok, nil
}

// SetPreviouslyVerifiedMasterKey records a verified master key value.
func (m *MemoryStore) SetPreviouslyVerifiedMasterKey(userID domain.UserID, key domain.Ed25519Key) {
	m.mu.Lock()
	m.state.PreviousMaster[userID] = key
	m.mu.Unlock()
	m.changed()
}

// WaitForKeys is a no-op: the in-memory store never has a refresh in flight.
func (m *MemoryStore) WaitForKeys(ctx context.Context, userIDs ...domain.UserID) error {
	return ctx.Err()
}

// ---------- secrets ----------

// CrossSigningPrivateKey resolves a stored cross-signing private key seed.
func (m *MemoryStore) CrossSigningPrivateKey(ctx context.Context, usage domain.CrossSigningUsage) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.state.Secrets[usage]
	return s, ok, nil
}

// SetCrossSigningPrivateKey stores a cross-signing private key seed.
func (m *MemoryStore) SetCrossSigningPrivateKey(usage domain.CrossSigningUsage, seed string) {
	m.mu.Lock()
	m.state.Secrets[usage] = seed
	m.mu.Unlock()
	m.changed()
}

// ---------- room membership ----------

// Members lists users of a room with one of the given memberships.
func (m *MemoryStore) Members(ctx context.Context, roomID domain.RoomID, memberships ...domain.Membership) ([]domain.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.UserID
	for user, membership := range m.state.Members[roomID] {
		for _, want := range memberships {
			if membership == want {
				out = append(out, user)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SetMembership records a user's membership in a room.
func (m *MemoryStore) SetMembership(roomID domain.RoomID, userID domain.UserID, membership domain.Membership) {
	m.mu.Lock()
	if m.state.Members[roomID] == nil {
		m.state.Members[roomID] = make(map[domain.UserID]domain.Membership)
	}
	m.state.Members[roomID][userID] = membership
	m.mu.Unlock()
	m.changed()
}

// ---------- helpers ----------

func sortSessions(sessions []domain.StoredOlmSession) []domain.StoredOlmSession {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})
	return sessions
}

func itoa(n uint32) string { return strconv.FormatUint(uint64(n), 10) }

// Compile-time assertions that MemoryStore implements the store contracts.
var (
	_ domain.SessionStore = (*MemoryStore)(nil)
	_ domain.KeyStore     = (*MemoryStore)(nil)
	_ domain.SecretStore  = (*MemoryStore)(nil)
	_ domain.RoomService  = (*MemoryStore)(nil)
)
