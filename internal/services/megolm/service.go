// Package megolm implements group room encryption: one outbound ratchet
// per room, distributed to member devices over pairwise channels.
package megolm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nacre/internal/domain"
	"nacre/internal/olm"
)

// Service encrypts and decrypts group room payloads.
type Service struct {
	userID   domain.UserID
	deviceID domain.DeviceID

	sessions  domain.SessionStore
	keys      domain.KeyStore
	rooms     domain.RoomService
	requests  domain.RequestHandler
	olmEngine domain.OlmEngine
	pickleKey []byte
	logger    *slog.Logger
}

// New constructs a megolm Service.
func New(
	userID domain.UserID,
	deviceID domain.DeviceID,
	sessions domain.SessionStore,
	keys domain.KeyStore,
	rooms domain.RoomService,
	requests domain.RequestHandler,
	olmEngine domain.OlmEngine,
	pickleKey []byte,
	logger *slog.Logger,
) *Service {
	return &Service{
		userID:    userID,
		deviceID:  deviceID,
		sessions:  sessions,
		keys:      keys,
		rooms:     rooms,
		requests:  requests,
		olmEngine: olmEngine,
		pickleKey: pickleKey,
		logger:    logger.With("component", "megolm"),
	}
}

// EncryptMegolm encrypts content for a room. The outbound session rotates
// when its age or message count exceeds the room's settings, and any devices
// still waiting for the session key receive it first.
func (s *Service) EncryptMegolm(ctx context.Context, content domain.EventContent, roomID domain.RoomID, settings domain.EncryptionSettings) (*domain.MegolmEncryptedEventContent, error) {
	envelope := domain.DecryptedMegolmEvent{
		Type:    content.Type,
		Content: content.Content,
		RoomID:  roomID,
	}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	senderKey, err := s.ownIdentityKey(ctx)
	if err != nil {
		return nil, err
	}

	var result domain.MegolmEncryptedEventContent
	err = s.sessions.UpdateOutboundMegolmSession(ctx, roomID, func(old *domain.StoredOutboundMegolmSession) (*domain.StoredOutboundMegolmSession, error) {
		stored := old
		var session *olm.OutboundGroupSession

		if stored != nil && !rotationDue(*stored, settings) {
			session, err = olm.OutboundGroupSessionFromPickle(stored.Pickled, s.pickleKey)
			if err != nil {
				return nil, err
			}
		} else {
			session, err = olm.NewOutboundGroupSession()
			if err != nil {
				return nil, &domain.SessionError{Op: "new group session", Err: err}
			}
			newDevices, err := s.memberDevices(ctx, roomID)
			if err != nil {
				return nil, err
			}
			stored = &domain.StoredOutboundMegolmSession{
				RoomID:     roomID,
				CreatedAt:  time.Now(),
				NewDevices: newDevices,
			}
			if err := s.storeSelfInboundSession(ctx, roomID, session, senderKey); err != nil {
				return nil, err
			}
		}

		if len(stored.NewDevices) > 0 {
			if err := s.distributeSessionKey(ctx, roomID, session, stored.NewDevices); err != nil {
				return nil, err
			}
			stored.NewDevices = nil
		}

		body, _, err := session.Encrypt(plaintext)
		if err != nil {
			return nil, &domain.SessionError{Op: "group encrypt", Err: err}
		}
		pickled, err := session.Pickle(s.pickleKey)
		if err != nil {
			return nil, err
		}
		stored.EncryptedMessageCount++
		stored.Pickled = pickled

		result = domain.MegolmEncryptedEventContent{
			Algorithm:  domain.AlgorithmMegolm,
			SenderKey:  senderKey,
			SessionID:  session.ID(),
			DeviceID:   s.deviceID,
			Ciphertext: body,
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DecryptMegolm decrypts a room timeline event and enforces replay
// protection on its ratchet index.
func (s *Service) DecryptMegolm(ctx context.Context, event domain.EncryptedRoomEvent) (*domain.DecryptedMegolmEvent, error) {
	content := event.Content
	stored, err := s.sessions.InboundMegolmSession(ctx, event.RoomID, content.SessionID, content.SenderKey)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrSenderDidNotSendMegolmKeysToUs, content.SessionID)
	}

	session, err := olm.InboundGroupSessionFromPickle(stored.Pickled, s.pickleKey)
	if err != nil {
		return nil, err
	}
	plaintext, index, err := session.Decrypt(content.Ciphertext)
	if err != nil {
		return nil, &domain.SessionError{Op: "group decrypt", Err: err}
	}

	var decrypted domain.DecryptedMegolmEvent
	if err := json.Unmarshal(plaintext, &decrypted); err != nil {
		return nil, &domain.ValidationError{Reason: "malformed plaintext envelope"}
	}
	if decrypted.RoomID != event.RoomID {
		return nil, &domain.ValidationError{Reason: "room id mismatch"}
	}

	// The first event to claim an index owns it; any different event on the
	// same index is a replay.
	err = s.sessions.UpdateMegolmMessageIndex(ctx, event.RoomID, content.SessionID, index, func(old *domain.MegolmMessageIndex) (*domain.MegolmMessageIndex, error) {
		if old == nil {
			return &domain.MegolmMessageIndex{EventID: event.EventID, OriginTimestamp: event.OriginTimestamp}, nil
		}
		if old.EventID != event.EventID || old.OriginTimestamp != event.OriginTimestamp {
			return nil, &domain.ValidationError{Reason: "message index already used by another event"}
		}
		return old, nil
	})
	if err != nil {
		return nil, err
	}
	return &decrypted, nil
}

// rotationDue reports whether the stored session exceeded the rotation
// settings. Zero values disable the corresponding condition.
func rotationDue(stored domain.StoredOutboundMegolmSession, settings domain.EncryptionSettings) bool {
	if settings.RotationPeriod > 0 && time.Since(stored.CreatedAt) >= settings.RotationPeriod {
		return true
	}
	if settings.RotationPeriodMessages > 0 && stored.EncryptedMessageCount >= settings.RotationPeriodMessages {
		return true
	}
	return false
}

// memberDevices lists all devices of joined and invited members, excluding
// our own device.
func (s *Service) memberDevices(ctx context.Context, roomID domain.RoomID) (map[domain.UserID][]domain.DeviceID, error) {
	members, err := s.rooms.Members(ctx, roomID, domain.MembershipJoin, domain.MembershipInvite)
	if err != nil {
		return nil, err
	}
	if err := s.keys.WaitForKeys(ctx, members...); err != nil {
		return nil, err
	}
	out := make(map[domain.UserID][]domain.DeviceID, len(members))
	for _, member := range members {
		devices, err := s.keys.DeviceKeys(ctx, member)
		if err != nil {
			return nil, err
		}
		for deviceID := range devices {
			if member == s.userID && deviceID == s.deviceID {
				continue
			}
			out[member] = append(out[member], deviceID)
		}
	}
	return out, nil
}

// storeSelfInboundSession keeps our own trusted inbound copy so our other
// code paths can decrypt what we sent.
func (s *Service) storeSelfInboundSession(ctx context.Context, roomID domain.RoomID, session *olm.OutboundGroupSession, senderKey domain.Curve25519Key) error {
	sessionKey, err := session.SessionKey()
	if err != nil {
		return err
	}
	inbound, err := olm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return err
	}
	pickled, err := inbound.Pickle(s.pickleKey)
	if err != nil {
		return err
	}
	edKey, err := s.ownSigningKey(ctx)
	if err != nil {
		return err
	}
	return s.sessions.UpdateInboundMegolmSession(ctx, roomID, session.ID(), senderKey, func(*domain.StoredInboundMegolmSession) (*domain.StoredInboundMegolmSession, error) {
		return &domain.StoredInboundMegolmSession{
			RoomID:           roomID,
			SessionID:        session.ID(),
			SenderKey:        senderKey,
			SenderSigningKey: edKey,
			FirstKnownIndex:  inbound.FirstKnownIndex(),
			Trusted:          true,
			Pickled:          pickled,
		}, nil
	})
}

// distributeSessionKey shares the session key with pending devices over
// pairwise channels. Individual device failures are logged and skipped so
// one unreachable device cannot block the room.
func (s *Service) distributeSessionKey(ctx context.Context, roomID domain.RoomID, session *olm.OutboundGroupSession, devices map[domain.UserID][]domain.DeviceID) error {
	sessionKey, err := session.SessionKey()
	if err != nil {
		return err
	}
	roomKey, err := json.Marshal(domain.RoomKeyEventContent{
		Algorithm:  domain.AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  session.ID(),
		SessionKey: sessionKey,
	})
	if err != nil {
		return err
	}
	content := domain.EventContent{Type: domain.EventTypeRoomKey, Content: roomKey}

	messages := make(map[domain.UserID]map[domain.DeviceID]any)
	for userID, deviceIDs := range devices {
		for _, deviceID := range deviceIDs {
			encrypted, err := s.olmEngine.EncryptOlm(ctx, content, userID, deviceID, false)
			if err != nil {
				s.logger.WarnContext(ctx, "skipping room key share", "user", userID, "device", deviceID, "error", err)
				continue
			}
			if messages[userID] == nil {
				messages[userID] = make(map[domain.DeviceID]any)
			}
			messages[userID][deviceID] = encrypted
		}
	}
	if len(messages) == 0 {
		return nil
	}
	if err := s.requests.SendToDevice(ctx, domain.EventTypeEncrypted, messages); err != nil {
		return err
	}
	return nil
}

func (s *Service) ownIdentityKey(ctx context.Context) (domain.Curve25519Key, error) {
	account, err := s.loadAccount(ctx)
	if err != nil {
		return "", err
	}
	return account.IdentityCurveKey(), nil
}

func (s *Service) ownSigningKey(ctx context.Context) (domain.Ed25519Key, error) {
	account, err := s.loadAccount(ctx)
	if err != nil {
		return "", err
	}
	return account.IdentitySigningKey(), nil
}

func (s *Service) loadAccount(ctx context.Context) (*olm.Account, error) {
	pickled, err := s.sessions.Account(ctx)
	if err != nil {
		return nil, err
	}
	if pickled == "" {
		return nil, errors.New("megolm: no account initialized")
	}
	return olm.AccountFromPickle(pickled, s.pickleKey)
}

// Compile-time assertion that Service implements domain.MegolmEngine.
var _ domain.MegolmEngine = (*Service)(nil)
