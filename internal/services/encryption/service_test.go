package encryption_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"nacre/internal/domain"
	"nacre/internal/olm"
	"nacre/internal/services/encryption"
	"nacre/internal/services/megolm"
	"nacre/internal/services/olmsession"
	"nacre/internal/signing"
	"nacre/internal/store"
	"nacre/internal/testutil"
	"nacre/internal/trust"
)

const roomID = domain.RoomID("!room:example.org")

type sentToDevice struct {
	EventType string
	Messages  map[domain.UserID]map[domain.DeviceID]any
}

type fakeHandler struct {
	mu       sync.Mutex
	claim    func(ctx context.Context, claims map[domain.UserID]map[domain.DeviceID]domain.KeyAlgorithm) (domain.ClaimOneTimeKeysResult, error)
	sent     []sentToDevice
	uploaded []map[domain.KeyID]domain.SignedOneTimeKey
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
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, keys)
	return nil
}

func (f *fakeHandler) lastSent(t *testing.T) sentToDevice {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func (f *fakeHandler) uploads() []map[domain.KeyID]domain.SignedOneTimeKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[domain.KeyID]domain.SignedOneTimeKey(nil), f.uploaded...)
}

type peer struct {
	userID   domain.UserID
	deviceID domain.DeviceID
	mem      *store.MemoryStore
	account  *olm.Account
	signing  *signing.Service
	handler  *fakeHandler
	olmSvc   *olmsession.Service
	megolm   *megolm.Service
	orch     *encryption.Service
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

	logger := testutil.Logger(t)
	signingSvc := signing.New(userID, deviceID, mem, mem, nil, logger)
	handler := &fakeHandler{}
	olmSvc := olmsession.New(userID, deviceID, mem, mem, handler, signingSvc, nil, logger)
	megolmSvc := megolm.New(userID, deviceID, mem, mem, mem, handler, olmSvc, nil, logger)
	trustEngine := trust.New(mem, signingSvc, logger)
	orch := encryption.New(userID, deviceID, mem, mem, handler, signingSvc, olmSvc, megolmSvc, trustEngine, nil, logger)
	return &peer{
		userID:   userID,
		deviceID: deviceID,
		mem:      mem,
		account:  account,
		signing:  signingSvc,
		handler:  handler,
		olmSvc:   olmSvc,
		megolm:   megolmSvc,
		orch:     orch,
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

// deliverLastShare feeds the last room-key share sent by alice into bob's
// to-device pipeline.
func deliverLastShare(t *testing.T, alice, bob *peer) {
	t.Helper()
	sent := alice.handler.lastSent(t)
	require.Equal(t, domain.EventTypeEncrypted, sent.EventType)
	content, err := json.Marshal(sent.Messages[bob.userID][bob.deviceID])
	require.NoError(t, err)
	require.NoError(t, bob.orch.HandleToDeviceEvent(context.Background(), domain.ToDeviceEvent{
		Type:    domain.EventTypeEncrypted,
		Sender:  alice.userID,
		Content: content,
	}))
}

func TestPipeline_EncryptShareDecrypt(t *testing.T) {
	alice, bob := room(t)
	ctx := context.Background()

	var received []domain.DecryptedToDeviceEvent
	unsubscribe := bob.orch.Subscribe(func(event domain.DecryptedToDeviceEvent) {
		received = append(received, event)
	})
	defer unsubscribe()

	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{"body":"hello room"}`)}
	encrypted, err := alice.megolm.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)

	deliverLastShare(t, alice, bob)
	require.Len(t, received, 1)
	require.Equal(t, domain.EventTypeRoomKey, received[0].Decrypted.Type)

	decrypted, err := bob.orch.HandleRoomEvent(ctx, domain.EncryptedRoomEvent{
		EventID:         "$event1",
		RoomID:          roomID,
		Sender:          alice.userID,
		OriginTimestamp: 1700000000000,
		Content:         *encrypted,
	})
	require.NoError(t, err)
	require.JSONEq(t, string(content.Content), string(decrypted.Decrypted.Content))
	require.Equal(t, roomID, decrypted.Decrypted.RoomID)
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	alice, bob := room(t)
	ctx := context.Background()

	var count int
	unsubscribe := bob.orch.Subscribe(func(domain.DecryptedToDeviceEvent) { count++ })

	_, err := alice.megolm.EncryptMegolm(ctx, domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)
	deliverLastShare(t, alice, bob)
	require.Equal(t, 1, count)

	unsubscribe()
	settings := domain.EncryptionSettings{Algorithm: domain.AlgorithmMegolm, RotationPeriodMessages: 1}
	_, err = alice.megolm.EncryptMegolm(ctx, domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}, roomID, settings)
	require.NoError(t, err)
	deliverLastShare(t, alice, bob)
	require.Equal(t, 1, count)
}

func TestHandleToDeviceEvent_IgnoresOtherTypes(t *testing.T) {
	_, bob := room(t)
	require.NoError(t, bob.orch.HandleToDeviceEvent(context.Background(), domain.ToDeviceEvent{
		Type:    "m.typing",
		Sender:  "@alice:example.org",
		Content: json.RawMessage(`{}`),
	}))
}

func TestHandleRoomKey_TrustFollowsSenderVerification(t *testing.T) {
	alice, bob := room(t)
	ctx := context.Background()

	_, err := alice.megolm.EncryptMegolm(ctx, domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)
	deliverLastShare(t, alice, bob)

	sessions := inboundSessions(t, bob, alice)
	require.Len(t, sessions, 1)
	require.False(t, sessions[0].Trusted)

	// After verifying alice's device, the next session imports as trusted.
	require.NoError(t, bob.mem.SetVerificationState(ctx, alice.userID, alice.account.IdentitySigningKey(), domain.VerificationStateVerified))
	settings := domain.EncryptionSettings{Algorithm: domain.AlgorithmMegolm, RotationPeriodMessages: 1}
	encrypted, err := alice.megolm.EncryptMegolm(ctx, domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}, roomID, settings)
	require.NoError(t, err)
	deliverLastShare(t, alice, bob)

	stored, err := bob.mem.InboundMegolmSession(ctx, roomID, encrypted.SessionID, encrypted.SenderKey)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.True(t, stored.Trusted)
}

func TestHandleMembership_LeaveDropsOutboundSession(t *testing.T) {
	alice, bob := room(t)
	ctx := context.Background()

	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}
	first, err := alice.megolm.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)

	require.NoError(t, alice.orch.HandleMembership(ctx, roomID, bob.userID, domain.MembershipLeave))
	stored, err := alice.mem.OutboundMegolmSession(ctx, roomID)
	require.NoError(t, err)
	require.Nil(t, stored)

	second, err := alice.megolm.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)
}

func TestHandleMembership_JoinQueuesDevices(t *testing.T) {
	alice, _ := room(t)
	ctx := context.Background()

	_, err := alice.megolm.EncryptMegolm(ctx, domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)

	carol := newPeer(t, "@carol:example.org", "CAROLDEVICE")
	alice.mem.SetDeviceKeys(carol.deviceKeys(t))
	alice.mem.SetMembership(roomID, carol.userID, domain.MembershipJoin)
	require.NoError(t, alice.orch.HandleMembership(ctx, roomID, carol.userID, domain.MembershipJoin))

	stored, err := alice.mem.OutboundMegolmSession(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Contains(t, stored.NewDevices, carol.userID)
	require.Contains(t, stored.NewDevices[carol.userID], carol.deviceID)
}

func TestHandleEncryptionSettingsChange_ForcesRotation(t *testing.T) {
	alice, _ := room(t)
	ctx := context.Background()

	content := domain.EventContent{Type: "m.room.message", Content: json.RawMessage(`{}`)}
	first, err := alice.megolm.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)

	require.NoError(t, alice.orch.HandleEncryptionSettingsChange(ctx, roomID))

	second, err := alice.megolm.EncryptMegolm(ctx, content, roomID, domain.DefaultEncryptionSettings())
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)
}

func TestHandleOneTimeKeysCount_TopsUp(t *testing.T) {
	_, bob := room(t)
	ctx := context.Background()

	require.NoError(t, bob.orch.HandleOneTimeKeysCount(ctx, map[domain.KeyAlgorithm]int{
		domain.KeyAlgorithmSignedCurve25519: 10,
	}))
	uploads := bob.handler.uploads()
	require.Len(t, uploads, 1)
	// 40 one-time keys to reach the target, plus the first fallback key.
	require.Len(t, uploads[0], 41)
	var fallbacks int
	for _, signed := range uploads[0] {
		if signed.Fallback {
			fallbacks++
		}
	}
	require.Equal(t, 1, fallbacks)

	// A full pool with a standing fallback key needs nothing.
	require.NoError(t, bob.orch.HandleOneTimeKeysCount(ctx, map[domain.KeyAlgorithm]int{
		domain.KeyAlgorithmSignedCurve25519: 50,
	}))
	require.Len(t, bob.handler.uploads(), 1)
}

func inboundSessions(t *testing.T, p *peer, from *peer) []domain.StoredInboundMegolmSession {
	t.Helper()
	var out []domain.StoredInboundMegolmSession
	stored, err := p.mem.InboundSessionsOf(context.Background(), roomID, from.account.IdentityCurveKey())
	require.NoError(t, err)
	out = append(out, stored...)
	return out
}
