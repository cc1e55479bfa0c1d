// Package olmsession implements pairwise to-device encryption on top of
// the double-ratchet primitives.
package olmsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nacre/internal/domain"
	"nacre/internal/olm"
	"nacre/internal/signing"
)

const (
	// maxSessionsPerKey bounds stored sessions per peer identity key; the
	// least recently used session is evicted beyond it.
	maxSessionsPerKey = 9

	// floodSessionLimit and floodWindow bound how many new inbound sessions
	// a peer key may force in quick succession.
	floodSessionLimit = 5
	floodWindow       = time.Hour
)

// Service encrypts and decrypts pairwise to-device payloads.
type Service struct {
	userID   domain.UserID
	deviceID domain.DeviceID

	sessions  domain.SessionStore
	keys      domain.KeyStore
	requests  domain.RequestHandler
	signing   *signing.Service
	pickleKey []byte
	logger    *slog.Logger
}

// New constructs an olmsession Service.
func New(
	userID domain.UserID,
	deviceID domain.DeviceID,
	sessions domain.SessionStore,
	keys domain.KeyStore,
	requests domain.RequestHandler,
	signingService *signing.Service,
	pickleKey []byte,
	logger *slog.Logger,
) *Service {
	return &Service{
		userID:    userID,
		deviceID:  deviceID,
		sessions:  sessions,
		keys:      keys,
		requests:  requests,
		signing:   signingService,
		pickleKey: pickleKey,
		logger:    logger.With("component", "olmsession"),
	}
}

// EncryptOlm encrypts content for one device. An existing session is reused
// unless forceNewSession is set, in which case a fresh one-time key is
// claimed first.
func (s *Service) EncryptOlm(ctx context.Context, content domain.EventContent, receiver domain.UserID, device domain.DeviceID, forceNewSession bool) (*domain.OlmEncryptedEventContent, error) {
	curveKey, ok, err := s.keys.DeviceCurveKey(ctx, receiver, device)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: curve25519 key of %s/%s", domain.ErrKeyNotFound, receiver, device)
	}
	edKey, ok, err := s.keys.DeviceEdKey(ctx, receiver, device)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ed25519 key of %s/%s", domain.ErrKeyNotFound, receiver, device)
	}

	account, err := s.loadAccount(ctx)
	if err != nil {
		return nil, err
	}

	envelope := domain.DecryptedOlmEvent{
		Type:          content.Type,
		Content:       content.Content,
		Sender:        s.userID,
		SenderKeys:    map[string]domain.Ed25519Key{"ed25519": account.IdentitySigningKey()},
		Recipient:     receiver,
		RecipientKeys: map[string]domain.Ed25519Key{"ed25519": edKey},
	}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	stored, err := s.sessions.OlmSessions(ctx, curveKey)
	if err != nil {
		return nil, err
	}

	var fresh *olm.Session
	if forceNewSession || len(stored) == 0 {
		fresh, err = s.newOutboundSession(ctx, account, receiver, device, curveKey, edKey)
		if err != nil {
			return nil, err
		}
	}

	var msg olm.Message
	err = s.sessions.UpdateOlmSessions(ctx, curveKey, func(old []domain.StoredOlmSession) ([]domain.StoredOlmSession, error) {
		now := time.Now()

		if fresh != nil {
			m, err := fresh.Encrypt(plaintext)
			if err != nil {
				return nil, &domain.SessionError{Op: "encrypt", Err: err}
			}
			pickled, err := fresh.Pickle(s.pickleKey)
			if err != nil {
				return nil, err
			}
			msg = m
			return trimSessions(append([]domain.StoredOlmSession{{
				SessionID:  fresh.ID(),
				SenderKey:  curveKey,
				CreatedAt:  now,
				LastUsedAt: now,
				Pickled:    pickled,
			}}, old...)), nil
		}

		// Sessions are ordered most recently used first.
		session, err := olm.SessionFromPickle(old[0].Pickled, s.pickleKey)
		if err != nil {
			return nil, err
		}
		m, err := session.Encrypt(plaintext)
		if err != nil {
			return nil, &domain.SessionError{Op: "encrypt", Err: err}
		}
		pickled, err := session.Pickle(s.pickleKey)
		if err != nil {
			return nil, err
		}
		msg = m
		old[0].Pickled = pickled
		old[0].LastUsedAt = now
		return trimSessions(old), nil
	})
	if err != nil {
		return nil, err
	}

	return &domain.OlmEncryptedEventContent{
		Algorithm: domain.AlgorithmOlm,
		SenderKey: account.IdentityCurveKey(),
		Ciphertext: map[domain.Curve25519Key]domain.OlmCiphertext{
			curveKey: {Type: msg.Type, Body: msg.Body},
		},
	}, nil
}

// DecryptOlm decrypts a pairwise event and validates its plaintext envelope.
// On failure a dummy event is sent over a fresh session so the peer can
// re-establish; the original error is still returned.
func (s *Service) DecryptOlm(ctx context.Context, encrypted domain.OlmEncryptedEventContent, sender domain.UserID) (*domain.DecryptedOlmEvent, error) {
	account, err := s.loadAccount(ctx)
	if err != nil {
		return nil, err
	}
	ct, ok := encrypted.Ciphertext[account.IdentityCurveKey()]
	if !ok {
		return nil, domain.ErrSenderDidNotEncryptForThisDevice
	}

	senderDevice, err := s.keys.FindDeviceKeysBySenderKey(ctx, sender, encrypted.SenderKey)
	if err != nil {
		return nil, err
	}
	if senderDevice == nil {
		return nil, fmt.Errorf("%w: sender key %s does not belong to %s", domain.ErrKeyVerificationFailed, encrypted.SenderKey, sender)
	}
	senderEdKey, ok := senderDevice.EdKey()
	if !ok {
		return nil, fmt.Errorf("%w: sender device %s has no ed25519 key", domain.ErrKeyVerificationFailed, senderDevice.DeviceID)
	}

	msg := olm.Message{Type: ct.Type, Body: ct.Body}

	var plaintext []byte
	err = s.sessions.UpdateOlmSessions(ctx, encrypted.SenderKey, func(old []domain.StoredOlmSession) ([]domain.StoredOlmSession, error) {
		for i := range old {
			session, err := olm.SessionFromPickle(old[i].Pickled, s.pickleKey)
			if err != nil {
				s.logger.WarnContext(ctx, "skipping unreadable session", "session_id", old[i].SessionID, "error", err)
				continue
			}
			if msg.Type == domain.OlmMessageTypePreKey {
				match, err := session.MatchesInboundSession(msg)
				if err != nil || !match {
					continue
				}
			}
			pt, err := session.Decrypt(msg)
			if err != nil {
				s.logger.DebugContext(ctx, "session could not decrypt", "session_id", old[i].SessionID, "error", err)
				continue
			}
			pickled, err := session.Pickle(s.pickleKey)
			if err != nil {
				return nil, err
			}
			plaintext = pt
			old[i].Pickled = pickled
			old[i].LastUsedAt = time.Now()
			return trimSessions(old), nil
		}

		if msg.Type != domain.OlmMessageTypePreKey {
			return nil, domain.ErrCouldNotDecrypt
		}

		// A pre-key message no session matches starts a new inbound session,
		// unless the peer key is flooding us with them.
		recent := 0
		cutoff := time.Now().Add(-floodWindow)
		for i := range old {
			if old[i].CreatedAt.After(cutoff) {
				recent++
			}
		}
		if recent >= floodSessionLimit {
			return nil, domain.ErrPreventTooManySessions
		}

		var session *olm.Session
		err := s.sessions.UpdateAccount(ctx, func(oldPickle string) (string, error) {
			acc, err := olm.AccountFromPickle(oldPickle, s.pickleKey)
			if err != nil {
				return "", err
			}
			sess, pt, err := olm.NewInboundSession(acc, msg)
			if err != nil {
				return "", err
			}
			session = sess
			plaintext = pt
			return acc.Pickle(s.pickleKey)
		})
		if err != nil {
			return nil, &domain.SessionError{Op: "new inbound session", Err: err}
		}
		pickled, err := session.Pickle(s.pickleKey)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		return trimSessions(append([]domain.StoredOlmSession{{
			SessionID:  session.ID(),
			SenderKey:  encrypted.SenderKey,
			CreatedAt:  now,
			LastUsedAt: now,
			Pickled:    pickled,
		}}, old...)), nil
	})
	if err != nil {
		s.recoverSession(sender, *senderDevice, err)
		return nil, err
	}

	var decrypted domain.DecryptedOlmEvent
	if err := json.Unmarshal(plaintext, &decrypted); err != nil {
		return nil, &domain.ValidationError{Reason: "malformed plaintext envelope"}
	}
	if err := s.validateEnvelope(decrypted, sender, senderEdKey, account.IdentitySigningKey()); err != nil {
		return nil, err
	}
	return &decrypted, nil
}

// validateEnvelope checks the decrypted envelope's identity bindings.
func (s *Service) validateEnvelope(decrypted domain.DecryptedOlmEvent, sender domain.UserID, senderEdKey, ownEdKey domain.Ed25519Key) error {
	switch {
	case decrypted.Sender != sender:
		return &domain.ValidationError{Reason: "sender mismatch"}
	case decrypted.Recipient != s.userID:
		return &domain.ValidationError{Reason: "recipient mismatch"}
	case decrypted.RecipientKeys["ed25519"] != ownEdKey:
		return &domain.ValidationError{Reason: "recipient key mismatch"}
	case decrypted.SenderKeys["ed25519"] != senderEdKey:
		return &domain.ValidationError{Reason: "sender key mismatch"}
	}
	return nil
}

// recoverSession sends a dummy event over a fresh session so both sides
// converge on a working channel after a decryption failure. Best effort.
func (s *Service) recoverSession(sender domain.UserID, device domain.DeviceKeys, cause error) {
	if errors.Is(cause, domain.ErrPreventTooManySessions) {
		return
	}
	s.logger.Warn("decryption failed, establishing recovery session", "sender", sender, "device", device.DeviceID, "error", cause)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		content := domain.EventContent{Type: domain.EventTypeDummy, Content: json.RawMessage("{}")}
		encrypted, err := s.EncryptOlm(ctx, content, sender, device.DeviceID, true)
		if err != nil {
			s.logger.Warn("recovery session failed", "sender", sender, "error", err)
			return
		}
		err = s.requests.SendToDevice(ctx, domain.EventTypeEncrypted, map[domain.UserID]map[domain.DeviceID]any{
			sender: {device.DeviceID: encrypted},
		})
		if err != nil {
			s.logger.Warn("recovery dummy send failed", "sender", sender, "error", err)
		}
	}()
}

// newOutboundSession claims and verifies a one-time key, then builds an
// outbound session toward the device.
func (s *Service) newOutboundSession(ctx context.Context, account *olm.Account, receiver domain.UserID, device domain.DeviceID, curveKey domain.Curve25519Key, edKey domain.Ed25519Key) (*olm.Session, error) {
	result, err := s.requests.ClaimOneTimeKeys(ctx, map[domain.UserID]map[domain.DeviceID]domain.KeyAlgorithm{
		receiver: {device: domain.KeyAlgorithmSignedCurve25519},
	})
	if err != nil {
		return nil, err
	}
	signed, ok := result.OneTimeKeys[receiver][device]
	if !ok {
		if len(result.Failures) > 0 {
			return nil, domain.NewRemoteServersError(result.Failures)
		}
		return nil, fmt.Errorf("%w: for %s/%s", domain.ErrOneTimeKeyNotFound, receiver, device)
	}
	if res := s.signing.VerifySignedOneTimeKey(signed, receiver, device, edKey); res.Kind != domain.VerifyValid {
		return nil, fmt.Errorf("%w: one-time key of %s/%s: %s", domain.ErrKeyVerificationFailed, receiver, device, res.Reason)
	}
	session, err := olm.NewOutboundSession(account, curveKey, signed.Key)
	if err != nil {
		return nil, &domain.SessionError{Op: "new outbound session", Err: err}
	}
	return session, nil
}

func (s *Service) loadAccount(ctx context.Context) (*olm.Account, error) {
	pickled, err := s.sessions.Account(ctx)
	if err != nil {
		return nil, err
	}
	if pickled == "" {
		return nil, errors.New("olmsession: no account initialized")
	}
	return olm.AccountFromPickle(pickled, s.pickleKey)
}

// trimSessions evicts the least recently used sessions beyond the cap. The
// slice is expected most recently used first.
func trimSessions(sessions []domain.StoredOlmSession) []domain.StoredOlmSession {
	if len(sessions) > maxSessionsPerKey {
		return sessions[:maxSessionsPerKey]
	}
	return sessions
}

// Compile-time assertion that Service implements domain.OlmEngine.
var _ domain.OlmEngine = (*Service)(nil)
