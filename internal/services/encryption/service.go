// Package encryption wires the pairwise and group engines into the event
// pipeline: to-device dispatch, room-key intake, membership changes and
// one-time-key replenishment.
package encryption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"nacre/internal/domain"
	"nacre/internal/olm"
	"nacre/internal/signing"
)

// Service is the encryption orchestrator.
type Service struct {
	userID   domain.UserID
	deviceID domain.DeviceID

	sessions  domain.SessionStore
	keys      domain.KeyStore
	requests  domain.RequestHandler
	signing   *signing.Service
	olmEngine domain.OlmEngine
	megolm    domain.MegolmEngine
	trust     domain.TrustEngine
	pickleKey []byte
	logger    *slog.Logger

	subMu       sync.Mutex
	subscribers map[int]func(domain.DecryptedToDeviceEvent)
	nextSubID   int
}

// New constructs the orchestrator.
func New(
	userID domain.UserID,
	deviceID domain.DeviceID,
	sessions domain.SessionStore,
	keys domain.KeyStore,
	requests domain.RequestHandler,
	signingService *signing.Service,
	olmEngine domain.OlmEngine,
	megolmEngine domain.MegolmEngine,
	trustEngine domain.TrustEngine,
	pickleKey []byte,
	logger *slog.Logger,
) *Service {
	return &Service{
		userID:      userID,
		deviceID:    deviceID,
		sessions:    sessions,
		keys:        keys,
		requests:    requests,
		signing:     signingService,
		olmEngine:   olmEngine,
		megolm:      megolmEngine,
		trust:       trustEngine,
		pickleKey:   pickleKey,
		logger:      logger.With("component", "encryption"),
		subscribers: make(map[int]func(domain.DecryptedToDeviceEvent)),
	}
}

// Subscribe registers a callback for decrypted to-device events and returns
// its unsubscribe function.
func (s *Service) Subscribe(fn func(domain.DecryptedToDeviceEvent)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Service) publish(event domain.DecryptedToDeviceEvent) {
	s.subMu.Lock()
	subscribers := make([]func(domain.DecryptedToDeviceEvent), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subscribers {
		fn(event)
	}
}

// HandleToDeviceEvent decrypts an encrypted to-device event and dispatches
// its plaintext. Room keys are folded into the session store; everything is
// published to subscribers.
func (s *Service) HandleToDeviceEvent(ctx context.Context, event domain.ToDeviceEvent) error {
	if event.Type != domain.EventTypeEncrypted {
		return nil
	}
	var encrypted domain.OlmEncryptedEventContent
	if err := json.Unmarshal(event.Content, &encrypted); err != nil {
		return &domain.ValidationError{Reason: "malformed encrypted to-device content"}
	}
	if encrypted.Algorithm != domain.AlgorithmOlm {
		s.logger.DebugContext(ctx, "ignoring to-device event with unsupported algorithm", "algorithm", encrypted.Algorithm)
		return nil
	}

	decrypted, err := s.olmEngine.DecryptOlm(ctx, encrypted, event.Sender)
	if err != nil {
		return err
	}

	switch decrypted.Type {
	case domain.EventTypeRoomKey:
		if err := s.handleRoomKey(ctx, event.Sender, encrypted.SenderKey, *decrypted); err != nil {
			return err
		}
	case domain.EventTypeDummy:
		// Decrypting it already established the recovery session.
	}

	s.publish(domain.DecryptedToDeviceEvent{Sender: event.Sender, Decrypted: *decrypted})
	return nil
}

// handleRoomKey imports a received group session key. A session we already
// know from an earlier index is kept.
func (s *Service) handleRoomKey(ctx context.Context, sender domain.UserID, senderKey domain.Curve25519Key, decrypted domain.DecryptedOlmEvent) error {
	var roomKey domain.RoomKeyEventContent
	if err := json.Unmarshal(decrypted.Content, &roomKey); err != nil {
		return &domain.ValidationError{Reason: "malformed room key content"}
	}
	if roomKey.Algorithm != domain.AlgorithmMegolm {
		s.logger.DebugContext(ctx, "ignoring room key with unsupported algorithm", "algorithm", roomKey.Algorithm)
		return nil
	}

	inbound, err := olm.NewInboundGroupSession(roomKey.SessionKey)
	if err != nil {
		return &domain.SessionError{Op: "import group session", Err: err}
	}
	pickled, err := inbound.Pickle(s.pickleKey)
	if err != nil {
		return err
	}

	trusted, err := s.senderTrusted(ctx, sender, senderKey)
	if err != nil {
		return err
	}

	return s.sessions.UpdateInboundMegolmSession(ctx, roomKey.RoomID, roomKey.SessionID, senderKey,
		func(old *domain.StoredInboundMegolmSession) (*domain.StoredInboundMegolmSession, error) {
			if old != nil && old.FirstKnownIndex <= inbound.FirstKnownIndex() {
				return old, nil
			}
			return &domain.StoredInboundMegolmSession{
				RoomID:           roomKey.RoomID,
				SessionID:        roomKey.SessionID,
				SenderKey:        senderKey,
				SenderSigningKey: decrypted.SenderKeys["ed25519"],
				FirstKnownIndex:  inbound.FirstKnownIndex(),
				Trusted:          trusted,
				Pickled:          pickled,
			}, nil
		})
}

// senderTrusted computes whether the sending device's key chain allows
// marking the imported session as trusted.
func (s *Service) senderTrusted(ctx context.Context, sender domain.UserID, senderKey domain.Curve25519Key) (bool, error) {
	device, err := s.keys.FindDeviceKeysBySenderKey(ctx, sender, senderKey)
	if err != nil {
		return false, err
	}
	if device == nil {
		return false, nil
	}
	level, err := s.trust.DeviceTrustLevel(ctx, *device)
	if err != nil {
		return false, err
	}
	return level.Trusted() && level.Verified, nil
}

// HandleRoomEvent decrypts an encrypted room timeline event.
func (s *Service) HandleRoomEvent(ctx context.Context, event domain.EncryptedRoomEvent) (*domain.DecryptedRoomEvent, error) {
	if event.Content.Algorithm != domain.AlgorithmMegolm {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("unsupported algorithm %q", event.Content.Algorithm)}
	}
	decrypted, err := s.megolm.DecryptMegolm(ctx, event)
	if err != nil {
		return nil, err
	}
	return &domain.DecryptedRoomEvent{Event: event, Decrypted: *decrypted}, nil
}

// HandleMembership reacts to membership changes: a member leaving or being
// banned retires the room's outbound session, a member joining or being
// invited queues their devices for the next key share.
func (s *Service) HandleMembership(ctx context.Context, roomID domain.RoomID, userID domain.UserID, membership domain.Membership) error {
	switch membership {
	case domain.MembershipLeave, domain.MembershipBan:
		return s.sessions.UpdateOutboundMegolmSession(ctx, roomID, func(*domain.StoredOutboundMegolmSession) (*domain.StoredOutboundMegolmSession, error) {
			return nil, nil
		})
	case domain.MembershipJoin, domain.MembershipInvite:
		if userID == s.userID {
			return nil
		}
		devices, err := s.keys.DeviceKeys(ctx, userID)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return nil
		}
		return s.sessions.UpdateOutboundMegolmSession(ctx, roomID, func(old *domain.StoredOutboundMegolmSession) (*domain.StoredOutboundMegolmSession, error) {
			if old == nil {
				return nil, nil
			}
			if old.NewDevices == nil {
				old.NewDevices = make(map[domain.UserID][]domain.DeviceID)
			}
			existing := make(map[domain.DeviceID]struct{}, len(old.NewDevices[userID]))
			for _, id := range old.NewDevices[userID] {
				existing[id] = struct{}{}
			}
			for id := range devices {
				if _, ok := existing[id]; !ok {
					old.NewDevices[userID] = append(old.NewDevices[userID], id)
				}
			}
			return old, nil
		})
	}
	return nil
}

// HandleEncryptionSettingsChange retires the room's outbound session so the
// next message starts a session under the new settings.
func (s *Service) HandleEncryptionSettingsChange(ctx context.Context, roomID domain.RoomID) error {
	return s.sessions.UpdateOutboundMegolmSession(ctx, roomID, func(*domain.StoredOutboundMegolmSession) (*domain.StoredOutboundMegolmSession, error) {
		return nil, nil
	})
}

// HandleOneTimeKeysCount tops the published one-time key pool back up to
// half the account's capacity.
func (s *Service) HandleOneTimeKeysCount(ctx context.Context, counts map[domain.KeyAlgorithm]int) error {
	published := counts[domain.KeyAlgorithmSignedCurve25519]

	unpublished := make(map[string]domain.Curve25519Key)
	var fallbackID string
	var fallbackKey domain.Curve25519Key
	err := s.sessions.UpdateAccount(ctx, func(old string) (string, error) {
		if old == "" {
			return "", errors.New("encryption: no account initialized")
		}
		account, err := olm.AccountFromPickle(old, s.pickleKey)
		if err != nil {
			return "", err
		}
		target := account.MaxOneTimeKeys() / 2
		missing := target - published - len(account.UnpublishedOneTimeKeys())
		if missing > 0 {
			if err := account.GenerateOneTimeKeys(missing); err != nil {
				return "", err
			}
		}
		// A fallback key covers claims once the one-time key pool runs dry.
		if _, _, ok := account.FallbackKey(); !ok {
			if _, err := account.GenerateFallbackKey(); err != nil {
				return "", err
			}
			fallbackID, fallbackKey, _ = account.FallbackKey()
		}
		unpublished = account.UnpublishedOneTimeKeys()
		return account.Pickle(s.pickleKey)
	})
	if err != nil {
		return err
	}
	if len(unpublished) == 0 && fallbackID == "" {
		return nil
	}

	upload := make(map[domain.KeyID]domain.SignedOneTimeKey, len(unpublished)+1)
	for id, key := range unpublished {
		signed, err := s.signing.SignOneTimeKey(ctx, key, false)
		if err != nil {
			return err
		}
		upload[domain.NewKeyID(domain.KeyAlgorithmSignedCurve25519, id)] = signed
	}
	if fallbackID != "" {
		signed, err := s.signing.SignOneTimeKey(ctx, fallbackKey, true)
		if err != nil {
			return err
		}
		upload[domain.NewKeyID(domain.KeyAlgorithmSignedCurve25519, fallbackID)] = signed
	}
	if err := s.requests.SetOneTimeKeys(ctx, upload); err != nil {
		return err
	}

	// Only mark published once the server accepted them.
	return s.sessions.UpdateAccount(ctx, func(old string) (string, error) {
		account, err := olm.AccountFromPickle(old, s.pickleKey)
		if err != nil {
			return "", err
		}
		account.MarkKeysAsPublished()
		return account.Pickle(s.pickleKey)
	})
}

// Compile-time assertion that Service implements domain.EncryptionService.
var _ domain.EncryptionService = (*Service)(nil)
