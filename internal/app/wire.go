package app

import (
	"context"
	"errors"
	"log/slog"

	"nacre/internal/domain"
	"nacre/internal/services/encryption"
	megolmsvc "nacre/internal/services/megolm"
	olmsvc "nacre/internal/services/olmsession"
	"nacre/internal/signing"
	"nacre/internal/store"
	"nacre/internal/trust"
)

// ErrNoTransport is returned by the offline request handler when a command
// needs the network but none is configured.
var ErrNoTransport = errors.New("app: no transport configured")

// Wire bundles the stores and engines for the CLI.
type Wire struct {
	Store      *store.FileStore
	Signing    *signing.Service
	Trust      domain.TrustEngine
	Olm        domain.OlmEngine
	Megolm     domain.MegolmEngine
	Encryption *encryption.Service
	Settings   domain.EncryptionSettings
}

// NewWire constructs the dependency graph from cfg. A nil requests handler
// wires an offline stub that fails on first network use.
func NewWire(cfg Config, requests domain.RequestHandler, logger *slog.Logger) (*Wire, error) {
	fs, err := store.NewFileStore(cfg.Home, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = offlineRequests{}
	}

	userID := domain.UserID(cfg.UserID)
	deviceID := domain.DeviceID(cfg.DeviceID)

	signingSvc := signing.New(userID, deviceID, fs, fs, nil, logger)
	trustEngine := trust.New(fs, signingSvc, logger)
	olmEngine := olmsvc.New(userID, deviceID, fs, fs, requests, signingSvc, nil, logger)
	megolmEngine := megolmsvc.New(userID, deviceID, fs, fs, fs, requests, olmEngine, nil, logger)
	orchestrator := encryption.New(userID, deviceID, fs, fs, requests, signingSvc, olmEngine, megolmEngine, trustEngine, nil, logger)

	return &Wire{
		Store:      fs,
		Signing:    signingSvc,
		Trust:      trustEngine,
		Olm:        olmEngine,
		Megolm:     megolmEngine,
		Encryption: orchestrator,
		Settings: domain.EncryptionSettings{
			Algorithm:              domain.AlgorithmMegolm,
			RotationPeriod:         cfg.RotationPeriod,
			RotationPeriodMessages: cfg.RotationMessages,
		},
	}, nil
}

// offlineRequests fails every network operation.
type offlineRequests struct{}

func (offlineRequests) ClaimOneTimeKeys(context.Context, map[domain.UserID]map[domain.DeviceID]domain.KeyAlgorithm) (domain.ClaimOneTimeKeysResult, error) {
	return domain.ClaimOneTimeKeysResult{}, ErrNoTransport
}

func (offlineRequests) SendToDevice(context.Context, string, map[domain.UserID]map[domain.DeviceID]any) error {
	return ErrNoTransport
}

func (offlineRequests) SetOneTimeKeys(context.Context, map[domain.KeyID]domain.SignedOneTimeKey) error {
	return ErrNoTransport
}
