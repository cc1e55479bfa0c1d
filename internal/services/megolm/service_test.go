package megolm_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nacre/internal/domain"
	"nacre/internal/olm"
	"nacre/internal/services/megolm"
	"nacre/internal/services/olmsession"
	"nacre/internal/signing"
	"nacre/internal/store"
	"nacre/internal/testutil"
)

const roomID = domain.RoomID("!room:example.org")

type sentToDevice struct {
	EventType string
	Messages  map[domain.UserID]map[domain.DeviceID]any
}

type fakeHandler struct {
	mu    sync.Mutex
	claim func(ctx context.Context, claims map[domain.UserID]map[domain.DeviceID]domain.KeyAlgorithm) (domain.ClaimOneTimeKeysResult, error)
	sent  []sentToDevice
}

func (f *fakeHandler) ClaimOneTimeKeys(ctx context.Context, claims map[domain.UserID]map[domain.DeviceID]domain.KeyAlgorithm) (domain.ClaimOneTimeKeysResult, error) {
	f.mu.Lock()
	claim := f.claim
	f.mu.Unlock()
	if claim == nil {
		return domain.ClaimOneTimeKeysResult{}, nil
	}
	return claim(ctx, claims)
}

func (f *fakeHandler) SendToDevice(ctx context.Context, eventType string, messages map[domain.UserID]map[domain.DeviceID]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentToDevice{EventType: eventType, Messages: messages})
	return nil
}

func (f *fakeHandler) SetOneTimeKeys(ctx context.Context, keys map[domain.KeyID]domain.SignedOneTimeKey) error {
	return nil
}

func (f *fakeHandler) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeHandler) lastSent(t *testing.T) sentToDevice {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type peer struct {
	userID   domain.UserID
	deviceID domain.DeviceID
	mem      *store.MemoryStore
	account  *olm.Account
	signing  *signing.Service
	handler  *fakeHandler
	olmSvc   *olmsession.Service
	svc      *megolm.Service
}

func newPeer(t *testing.T, userID domain.UserID, deviceID domain.DeviceID) *peer {
	t.Helper()

	mem := store.NewMemoryStore()
	account, err := olm.NewAccount()
	require.NoError(t, err)
	pickled, err := account.Pickle(nil)
	require.NoError(t, err)
	require.NoError(t, mem.UpdateAccount(context.Background(), func(string) (string, error) {
		return pickled, nil
	}))

	signingSvc := signing.New(userID, deviceID, mem, mem, nil, testutil.Logger(t))
	handler := &fakeHandler{}
	olmSvc := olmsession.New(userID, deviceID, mem, mem, handler, signingSvc, nil, testutil.Logger(t))
	svc := megolm.New(userID, deviceID, mem, mem, mem, handler, olmSvc, nil, testutil.Logger(t))
	return &peer{
		userID:   userID,
		deviceID: deviceID,
		mem:      mem,
		account:  account,
		signing:  signingSvc,
		handler:  handler,
		olmSvc:   olmSvc,
		svc:      svc,
	}
}

func (p *peer) deviceKeys(t *testing.T) domain.DeviceKeys {
	t.Helper()
	keys := domain.DeviceKeys{
		UserID:     p.userID,
		DeviceID:   p.deviceID,
		Algorithms: []string{string(domain.AlgorithmOlm), string(domain.AlgorithmMegolm)},
		Keys: map[domain.KeyID]string{
			domain.NewKeyID(domain.KeyAlgorithmCurve25519, string(p.deviceID)): p.account.IdentityCurveKey().String(),
			domain.NewKeyID(domain.KeyAlgorithmEd25519, string(p.deviceID)):    p.account.IdentitySigningKey().String(),
		},
	}
	sigs, err := p.signing.Sign(context.Background(), keys)
	require.NoError(t, err)
	keys.Signatures = sigs
	return keys
}

func serveOneTimeKeys(t *testing.T, from *peer) func(ctx context.Context, claims map[domain.UserID]map[domain.DeviceID]domain.KeyAlgorithm) (domain.ClaimOneTimeKeysResult, error) {
	t.Helper()
	return func(ctx context.Context, claims map[domain.UserID]map[domain.DeviceID]domain.KeyAlgorithm) (domain.ClaimOneTimeKeysResult, error) {
		var key domain.Curve25519Key
		err := from.mem.UpdateAccount(ctx, func(old string) (string, error) {
			acc, err := olm.AccountFromPickle(old, nil)
			if err != nil {
				return "", err
			}
			if err := acc.GenerateOneTimeKeys(1); err != nil {
				return "", err
			}
			for _, k := range acc.UnpublishedOneTimeKeys() {
				key = k
			}
			acc.MarkKeysAsPublished()
			return acc.Pickle(nil)
		})
		if err != nil {
			return domain.ClaimOneTimeKeysResult{}, err
		}
		signed, err := from.signing.SignOneTimeKey(ctx, key, false)
		if err != nil {
			return domain.ClaimOneTimeKeysResult{}, err
		}
		return domain.ClaimOneTimeKeysResult{
			OneTimeKeys: map[domain.UserID]map[domain.DeviceID]domain.SignedOneTimeKey{
				from.userID: {from.deviceID: signed},
			},
		}, nil
	}
}

// room sets up alice and bob as joined members who know each other's keys.
func room(t *testing.T) (alice, bob *peer) {
	t.Helper()
	alice = newPeer(t, "@alice:example.org", "ALICEDEVICE")
	bob = newPeer(t, "@bob:remote.example", "BOBDEVICE")
	alice.mem.SetDeviceKeys(alice.deviceKeys(t))
	alice.mem.SetDeviceKeys(bob.deviceKeys(t))
	bob.mem.SetDeviceKeys(alice.deviceKeys(t))
	bob.mem.SetDeviceKeys(bob.deviceKeys(t))
	alice.mem.SetMembership(roomID, alice.userID, domain.MembershipJoin)
	alice.mem.SetMembership(roomID, bob.userID, domain.MembershipJoin)
	alice.handler.claim = serveOneTimeKeys(t, bob)
	bob.handler.claim = serveOneTimeKeys(t, alice)
	return alice, bob
}

// importRoomKey replays the last distributed room key into bob's store, as
// the orchestrator would after a to-device event.
func importRoomKey(t *testing.T, alice, bob *peer) {
	t.Helper()
	ctx := context.Background()

	sent := alice.handler.lastSent(t)
	require.Equal(t, domain.EventTypeEncrypted, sent.EventType)
	encrypted, ok := sent.Messages[bob.userID][bob.deviceID].(*domain.OlmEncryptedEventContent)
	require.True(t, ok)

	decrypted, err := bob.olmSvc.DecryptOlm(ctx, *encrypted, alice.userID)
	require.NoError(t, err)
	require.Equal(t, domain.EventTypeRoomKey, decrypted.Type)

	var roomKey domain.RoomKeyEventContent
	require.NoError(t, json.Unmarshal(decrypted.Content, &roomKey))

	inbound, err := olm.NewInboundGroupSession(roomKey.SessionKey)
	require.NoError(t, err)
	pickled, err := inbound.Pickle(nil)
	require.NoError(t, err)

	senderKey := alice.account.IdentityCurveKey()
	require.NoError(t, bob.mem.UpdateInboundMegolmSession(ctx, roomKey.RoomID, roomKey.SessionID, senderKey,
		func(*domain.StoredInboundMegolmSession) (*domain.StoredInboundMegolmSession, error) {
			return &domain.StoredInboundMegolmSession{
				RoomID:          roomKey.RoomID,
				SessionID:       roomKey.SessionID,
				SenderKey:       senderKey,
				FirstKnownIndex: inbound.FirstKnownIndex(),
				Trusted:         true,
				Pickled:         pickled,
			}, nil
		}))
}

func roomEvent(eventID domain.EventID, content domain.MegolmEncryptedEventContent) domain.EncryptedRoomEvent {
	return domain.EncryptedRoomEvent{
		EventID:         eventID,
		RoomID:          roomID,
		Sender:          "@alice:example.org",
		OriginTimestamp: 1700000000000,
		Content:         content,
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	alice, bob := room(t)
	ctx := context.Background()

	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{"body":"hello room"}`)}
	encrypted, err := alice.svc.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)
	require.Equal(t, domain.AlgorithmMegolm, encrypted.Algorithm)
	require.Equal(t, alice.account.IdentityCurveKey(), encrypted.SenderKey)

	importRoomKey(t, alice, bob)

	decrypted, err := bob.svc.DecryptMegolm(ctx, roomEvent("$event1", *encrypted))
	require.NoError(t, err)
	require.Equal(t, content.Type, decrypted.Type)
	require.JSONEq(t, string(content.Content), string(decrypted.Content))
	require.Equal(t, roomID, decrypted.RoomID)
}

func TestEncryptMegolm_ReusesSessionAndSharesOnce(t *testing.T) {
	alice, _ := room(t)
	ctx := context.Background()

	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}
	first, err := alice.svc.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)
	sharesAfterFirst := alice.handler.sentCount()

	second, err := alice.svc.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)

	require.Equal(t, first.SessionID, second.SessionID)
	require.Equal(t, sharesAfterFirst, alice.handler.sentCount())
}

func TestEncryptMegolm_RotatesByMessageCount(t *testing.T) {
	alice, _ := room(t)
	ctx := context.Background()

	settings := domain.EncryptionSettings{Algorithm: domain.AlgorithmMegolm, RotationPeriodMessages: 1}
	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}

	first, err := alice.svc.EncryptMegolm(ctx, content, roomID, settings)
	require.NoError(t, err)
	second, err := alice.svc.EncryptMegolm(ctx, content, roomID, settings)
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)
}

func TestEncryptMegolm_RotatesByAge(t *testing.T) {
	alice, _ := room(t)
	ctx := context.Background()

	settings := domain.EncryptionSettings{Algorithm: domain.AlgorithmMegolm, RotationPeriod: time.Hour}
	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}

	first, err := alice.svc.EncryptMegolm(ctx, content, roomID, settings)
	require.NoError(t, err)

	// Backdate the stored session past the rotation period.
	err = alice.mem.UpdateOutboundMegolmSession(ctx, roomID, func(old *domain.StoredOutboundMegolmSession) (*domain.StoredOutboundMegolmSession, error) {
		require.NotNil(t, old)
		old.CreatedAt = time.Now().Add(-2 * time.Hour)
		return old, nil
	})
	require.NoError(t, err)

	second, err := alice.svc.EncryptMegolm(ctx, content, roomID, settings)
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)
}

func TestEncryptMegolm_SenderCanDecryptOwnEvent(t *testing.T) {
	alice, _ := room(t)
	ctx := context.Background()

	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{"body":"note to self"}`)}
	encrypted, err := alice.svc.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)

	decrypted, err := alice.svc.DecryptMegolm(ctx, roomEvent("$own", *encrypted))
	require.NoError(t, err)
	require.JSONEq(t, string(content.Content), string(decrypted.Content))
}

func TestDecryptMegolm_NoSession(t *testing.T) {
	alice, bob := room(t)
	ctx := context.Background()

	encrypted, err := alice.svc.EncryptMegolm(ctx, domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)

	// Bob never imported the room key.
	_, err = bob.svc.DecryptMegolm(ctx, roomEvent("$event1", *encrypted))
	require.ErrorIs(t, err, domain.ErrSenderDidNotSendMegolmKeysToUs)
}

func TestDecryptMegolm_ReplayProtection(t *testing.T) {
	alice, bob := room(t)
	ctx := context.Background()

	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{"body":"once"}`)}
	encrypted, err := alice.svc.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)
	importRoomKey(t, alice, bob)

	event := roomEvent("$event1", *encrypted)
	_, err = bob.svc.DecryptMegolm(ctx, event)
	require.NoError(t, err)

	// The same event decrypts again.
	_, err = bob.svc.DecryptMegolm(ctx, event)
	require.NoError(t, err)

	// A different event claiming the same index is rejected.
	replay := roomEvent("$forged", *encrypted)
	_, err = bob.svc.DecryptMegolm(ctx, replay)
	require.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestDecryptMegolm_RoomIDMismatch(t *testing.T) {
	alice, bob := room(t)
	ctx := context.Background()

	encrypted, err := alice.svc.EncryptMegolm(ctx, domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)
	importRoomKey(t, alice, bob)

	// Re-home the inbound session under another room so the lookup succeeds
	// but the decrypted envelope disagrees.
	otherRoom := domain.RoomID("!other:example.org")
	stored, err := bob.mem.InboundMegolmSession(ctx, roomID, encrypted.SessionID, encrypted.SenderKey)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NoError(t, bob.mem.UpdateInboundMegolmSession(ctx, otherRoom, encrypted.SessionID, encrypted.SenderKey,
		func(*domain.StoredInboundMegolmSession) (*domain.StoredInboundMegolmSession, error) {
			return stored, nil
		}))

	event := roomEvent("$event1", *encrypted)
	event.RoomID = otherRoom
	_, err = bob.svc.DecryptMegolm(ctx, event)
	require.ErrorIs(t, err, domain.ErrValidationFailed)
}
