package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
	"github.com/edutap-eu/esc-native-wallet/internal/passbuilder"
	"github.com/edutap-eu/esc-native-wallet/internal/push"
	"github.com/edutap-eu/esc-native-wallet/internal/repository"
)

// Enqueuer schedules a background notification for a pass.
type Enqueuer interface {
	Enqueue(key domain.PassKey) bool
}

// IssuerService is the issuer side of the system: it records card changes,
// advances the affected registrations and hands out freshly built passes.
type IssuerService struct {
	registry repository.Registry
	cards    repository.CardRepository
	builder  passbuilder.PassBuilder
	notifier push.Notifier
	queue    Enqueuer
	settings PassSettings
	logger   glog.Logger
	now      func() time.Time
}

// NewIssuerService wires the issuer operations. queue may be nil when push
// delivery is disabled; card updates then only advance lastUpdated.
func NewIssuerService(
	registry repository.Registry,
	cards repository.CardRepository,
	builder passbuilder.PassBuilder,
	notifier push.Notifier,
	queue Enqueuer,
	settings PassSettings,
	logger glog.Logger,
) *IssuerService {
	if notifier == nil {
		notifier = push.Disabled
	}
	if logger == nil {
		logger = glog.Nop()
	}
	return &IssuerService{
		registry: registry,
		cards:    cards,
		builder:  builder,
		notifier: notifier,
		queue:    queue,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// generateAuthenticationToken returns 32 random bytes, hex encoded.
func generateAuthenticationToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// UpsertCard stores the card and advances every registration of its serial
// number, then schedules a notification for each of them.
func (s *IssuerService) UpsertCard(ctx context.Context, card *domain.StudentCard) (*domain.UpsertCardResponse, error) {
	if card == nil {
		return nil, badInputError("card", "is required")
	}
	if err := requireFields("escn", card.ESCN); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	card.UpdatedAt = now

	if err := s.cards.SaveCard(ctx, card); err != nil {
		return nil, registryError(err, "failed to save card")
	}

	passes, err := s.registry.ListPassesBySerial(ctx, card.ESCN)
	if err != nil {
		return nil, registryError(err, "failed to list registrations for card")
	}

	resp := &domain.UpsertCardResponse{
		SerialNumber: card.ESCN,
		UpdatedAt:    now,
	}
	for _, p := range passes {
		key := p.Key()
		if _, err := s.registry.TouchPass(ctx, key, now); err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, registryError(err, "failed to advance pass registration")
		}
		resp.Registrations++

		if s.queue != nil && s.queue.Enqueue(key) {
			resp.Queued++
		}
	}

	s.logger.Info("card updated",
		"escn", card.ESCN, "registrations", resp.Registrations, "queued", resp.Queued)
	return resp, nil
}

// IssuePass builds the pass for a card. An existing registration keeps its
// token; otherwise a new one is minted and the device's first registration
// stores it.
func (s *IssuerService) IssuePass(ctx context.Context, escn string) (*domain.SignedPass, error) {
	if err := requireFields("escn", escn); err != nil {
		return nil, err
	}

	card, err := s.cards.FindCard(ctx, escn)
	if err != nil {
		if isNotFound(err) {
			return nil, notFoundError("card not found", map[string]any{"escn": escn})
		}
		return nil, registryError(err, "failed to find card")
	}

	key := domain.PassKey{PassTypeID: s.settings.PassTypeID, SerialNumber: escn}

	var token string
	if s.settings.WebServiceURL != "" {
		reg, err := s.registry.FindPass(ctx, key)
		switch {
		case err == nil:
			token = reg.AuthenticationToken
		case isNotFound(err):
			if token, err = generateAuthenticationToken(); err != nil {
				return nil, err
			}
		default:
			return nil, registryError(err, "failed to find pass registration")
		}
	}

	pass, err := s.builder.Build(ctx, card, s.settings.buildOptions(key, token))
	if err != nil {
		return nil, passBuildError(err)
	}
	return pass, nil
}

// NotifyHolders runs the fan-out for one pass and waits for the report.
func (s *IssuerService) NotifyHolders(ctx context.Context, key domain.PassKey) (*domain.DeliveryReport, error) {
	if err := requireFields(
		"passTypeIdentifier", key.PassTypeID,
		"serialNumber", key.SerialNumber,
	); err != nil {
		return nil, err
	}

	if _, err := s.registry.FindPass(ctx, key); err != nil {
		if isNotFound(err) {
			return nil, notFoundError("pass registration not found", map[string]any{"pass": key.String()})
		}
		return nil, registryError(err, "failed to find pass registration")
	}

	return s.notifier.NotifyHolders(ctx, key)
}
