package domain

import (
	"errors"
	"fmt"
	"sort"
)

// Error taxonomy of the encryption engine. Cryptographic and validation
// failures always surface to the caller as one of these; recovery side
// effects swallow their own errors and only log.
var (
	// ErrKeyNotFound means a required device or identity key is not cached.
	ErrKeyNotFound = errors.New("nacre: key not found")
	// ErrKeyVerificationFailed means a key signature check failed.
	ErrKeyVerificationFailed = errors.New("nacre: key verification failed")
	// ErrOneTimeKeyNotFound means the peer's server returned no claimable key.
	ErrOneTimeKeyNotFound = errors.New("nacre: one time key not found")
	// ErrCouldNotReachRemoteServers means a key claim partially failed.
	ErrCouldNotReachRemoteServers = errors.New("nacre: could not reach remote servers")
	// ErrSenderDidNotEncryptForThisDevice means no ciphertext entry exists
	// for our identity key.
	ErrSenderDidNotEncryptForThisDevice = errors.New("nacre: sender did not encrypt for this device")
	// ErrCouldNotDecrypt means no stored session could decrypt an ordinary
	// Olm message.
	ErrCouldNotDecrypt = errors.New("nacre: could not decrypt")
	// ErrPreventTooManySessions is the session-flood guard rejection.
	ErrPreventTooManySessions = errors.New("nacre: prevented creation of too many olm sessions")
	// ErrSenderDidNotSendMegolmKeysToUs means no inbound group session is
	// known for the ciphertext.
	ErrSenderDidNotSendMegolmKeysToUs = errors.New("nacre: sender did not send megolm keys to us")
	// ErrValidationFailed means a decrypted envelope failed its
	// anti-tampering checks.
	ErrValidationFailed = errors.New("nacre: validation failed")
	// ErrSession wraps failures of the crypto primitive layer.
	ErrSession = errors.New("nacre: session error")
)

// RemoteServersError lists the servers a one-time-key claim failed on.
type RemoteServersError struct {
	Servers []ServerName
}

// NewRemoteServersError builds a RemoteServersError with a stable server order.
func NewRemoteServersError(servers map[ServerName]struct{}) *RemoteServersError {
	out := make([]ServerName, 0, len(servers))
	for s := range servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return &RemoteServersError{Servers: out}
}

func (e *RemoteServersError) Error() string {
	return fmt.Sprintf("nacre: could not reach remote servers %v", e.Servers)
}

// Unwrap ties the error to ErrCouldNotReachRemoteServers for errors.Is.
func (e *RemoteServersError) Unwrap() error { return ErrCouldNotReachRemoteServers }

// ValidationError carries the reason an envelope was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("nacre: validation failed: %s", e.Reason)
}

// Unwrap ties the error to ErrValidationFailed for errors.Is.
func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// SessionError wraps an error from the crypto primitive layer.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("nacre: session %s: %v", e.Op, e.Err)
}

// Unwrap exposes the primitive error and ties into ErrSession via Is.
func (e *SessionError) Unwrap() error { return e.Err }

// Is reports true for ErrSession in addition to the wrapped chain.
func (e *SessionError) Is(target error) bool { return target == ErrSession }
