package service

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
	"github.com/edutap-eu/esc-native-wallet/internal/passbuilder"
	"github.com/edutap-eu/esc-native-wallet/internal/repository"
)

type RegisterOutcome int

const (
	RegisterCreated RegisterOutcome = iota + 1
	RegisterAlreadyRegistered
	RegisterUnauthorized
)

func (o RegisterOutcome) StatusCode() int {
	switch o {
	case RegisterCreated:
		return http.StatusCreated
	case RegisterAlreadyRegistered:
		return http.StatusOK
	default:
		return http.StatusUnauthorized
	}
}

type FetchOutcome int

const (
	FetchPass FetchOutcome = iota + 1
	FetchNotModified
	FetchNotFound
	FetchUnauthorized
)

func (o FetchOutcome) StatusCode() int {
	switch o {
	case FetchPass:
		return http.StatusOK
	case FetchNotModified:
		return http.StatusNotModified
	case FetchNotFound:
		return http.StatusNotFound
	default:
		return http.StatusUnauthorized
	}
}

type UnregisterOutcome int

const (
	UnregisterRemoved UnregisterOutcome = iota + 1
	UnregisterAlreadyRemoved
	UnregisterNotFound
	UnregisterUnauthorized
)

func (o UnregisterOutcome) StatusCode() int {
	switch o {
	case UnregisterRemoved, UnregisterAlreadyRemoved:
		return http.StatusOK
	case UnregisterNotFound:
		return http.StatusNotFound
	default:
		return http.StatusUnauthorized
	}
}

type RegisterInput struct {
	DeviceLibraryID     string
	PassTypeID          string
	SerialNumber        string
	AuthenticationToken string
	PushToken           string
}

type UnregisterInput struct {
	DeviceLibraryID     string
	PassTypeID          string
	SerialNumber        string
	AuthenticationToken string
}

type FetchInput struct {
	PassTypeID          string
	SerialNumber        string
	AuthenticationToken string
	IfModifiedSince     *time.Time
}

type FetchResult struct {
	Outcome      FetchOutcome
	Pass         *domain.SignedPass
	LastModified time.Time
}

// UpdatableSerials is the answer to a list request. Found is false when the
// device is unknown.
type UpdatableSerials struct {
	Found         bool
	SerialNumbers []string
	LastUpdated   time.Time
}

// StatusCode is 204 both for an unknown device and for an empty match set.
func (u *UpdatableSerials) StatusCode() int {
	if !u.Found || len(u.SerialNumbers) == 0 {
		return http.StatusNoContent
	}
	return http.StatusOK
}

// PassSettings are the pass fields shared by every pass this service renders.
type PassSettings struct {
	PassTypeID       string
	TeamID           string
	OrganizationName string
	WebServiceURL    string
}

func (s PassSettings) buildOptions(key domain.PassKey, authToken string) passbuilder.Options {
	opts := passbuilder.Options{
		PassTypeID:       key.PassTypeID,
		SerialNumber:     key.SerialNumber,
		TeamID:           s.TeamID,
		OrganizationName: s.OrganizationName,
	}
	// Without a web service the pass carries no update endpoint and no token.
	if s.WebServiceURL != "" {
		opts.WebServiceURL = s.WebServiceURL
		opts.AuthenticationToken = authToken
	}
	return opts
}

type RegistrationService struct {
	registry repository.Registry
	cards    repository.CardRepository
	builder  passbuilder.PassBuilder
	settings PassSettings
	logger   glog.Logger
	now      func() time.Time
}

func NewRegistrationService(
	registry repository.Registry,
	cards repository.CardRepository,
	builder passbuilder.PassBuilder,
	settings PassSettings,
	logger glog.Logger,
) *RegistrationService {
	if logger == nil {
		logger = glog.Nop()
	}
	return &RegistrationService{
		registry: registry,
		cards:    cards,
		builder:  builder,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

func tokensMatch(stored, presented string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// requireFields takes name/value pairs and reports the first blank value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return badInputError(pairs[i], "is required")
		}
	}
	return nil
}

func (s *RegistrationService) Register(ctx context.Context, in RegisterInput) (RegisterOutcome, error) {
	if err := requireFields(
		"deviceLibraryIdentifier", in.DeviceLibraryID,
		"passTypeIdentifier", in.PassTypeID,
		"serialNumber", in.SerialNumber,
		"pushToken", in.PushToken,
	); err != nil {
		return 0, err
	}
	if in.AuthenticationToken == "" {
		return RegisterUnauthorized, nil
	}

	now := s.now().UTC()
	key := domain.PassKey{PassTypeID: in.PassTypeID, SerialNumber: in.SerialNumber}

	reg, err := s.registry.FindPass(ctx, key)
	switch {
	case isNotFound(err):
		// The first registration for a key fixes its token; racing callers
		// all get the stored registration back.
		var created bool
		reg, created, err = s.registry.CreatePass(ctx, &domain.PassRegistration{
			PassTypeID:          key.PassTypeID,
			SerialNumber:        key.SerialNumber,
			AuthenticationToken: in.AuthenticationToken,
			LastUpdated:         now,
		})
		if err != nil {
			return 0, registryError(err, "failed to store pass registration")
		}
		if created {
			s.logger.Info("pass registration created", "pass", key.String())
		}
	case err != nil:
		return 0, registryError(err, "failed to find pass registration")
	}

	// A caller without the pass token must not touch the device record.
	if !tokensMatch(reg.AuthenticationToken, in.AuthenticationToken) {
		return RegisterUnauthorized, nil
	}

	if err := s.registry.UpsertDevice(ctx, &domain.Device{
		LibraryID: in.DeviceLibraryID,
		PushToken: in.PushToken,
		UpdatedAt: now,
	}); err != nil {
		return 0, registryError(err, "failed to store device")
	}

	added, err := s.registry.AddDevice(ctx, key, in.DeviceLibraryID)
	if err != nil {
		return 0, registryError(err, "failed to register device for pass")
	}
	if !added {
		return RegisterAlreadyRegistered, nil
	}

	s.logger.Debug("device registered for pass", "pass", key.String(), "device", in.DeviceLibraryID)
	return RegisterCreated, nil
}

// ListUpdatable returns the serial numbers of the device's passes of the given
// type that changed after since. For an empty match set LastUpdated echoes
// since, or the current time when since is absent.
func (s *RegistrationService) ListUpdatable(ctx context.Context, deviceLibraryID, passTypeID string, since *time.Time) (*UpdatableSerials, error) {
	if err := requireFields(
		"deviceLibraryIdentifier", deviceLibraryID,
		"passTypeIdentifier", passTypeID,
	); err != nil {
		return nil, err
	}

	if _, err := s.registry.FindDevice(ctx, deviceLibraryID); err != nil {
		if isNotFound(err) {
			return &UpdatableSerials{Found: false}, nil
		}
		return nil, registryError(err, "failed to find device")
	}

	passes, err := s.registry.ListPassesForDevice(ctx, deviceLibraryID)
	if err != nil {
		return nil, registryError(err, "failed to list passes for device")
	}

	result := &UpdatableSerials{Found: true, SerialNumbers: []string{}}
	for _, p := range passes {
		if p.PassTypeID != passTypeID {
			continue
		}
		if since != nil && !domain.NewerThan(p.LastUpdated, *since) {
			continue
		}
		result.SerialNumbers = append(result.SerialNumbers, p.SerialNumber)
		if p.LastUpdated.After(result.LastUpdated) {
			result.LastUpdated = p.LastUpdated
		}
	}
	sort.Strings(result.SerialNumbers)

	if len(result.SerialNumbers) == 0 {
		if since != nil {
			result.LastUpdated = *since
		} else {
			result.LastUpdated = s.now()
		}
	}
	result.LastUpdated = domain.AtSecond(result.LastUpdated)
	return result, nil
}

// Fetch returns the current pass. The token is checked before freshness so an
// unauthorized caller cannot learn whether the pass changed.
func (s *RegistrationService) Fetch(ctx context.Context, in FetchInput) (*FetchResult, error) {
	if err := requireFields(
		"passTypeIdentifier", in.PassTypeID,
		"serialNumber", in.SerialNumber,
	); err != nil {
		return nil, err
	}

	key := domain.PassKey{PassTypeID: in.PassTypeID, SerialNumber: in.SerialNumber}
	reg, err := s.registry.FindPass(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return &FetchResult{Outcome: FetchNotFound}, nil
		}
		return nil, registryError(err, "failed to find pass registration")
	}

	if !tokensMatch(reg.AuthenticationToken, in.AuthenticationToken) {
		return &FetchResult{Outcome: FetchUnauthorized}, nil
	}

	lastModified := domain.AtSecond(reg.LastUpdated)
	if in.IfModifiedSince != nil && !domain.NewerThan(reg.LastUpdated, *in.IfModifiedSince) {
		return &FetchResult{Outcome: FetchNotModified, LastModified: lastModified}, nil
	}

	card, err := s.cards.FindCard(ctx, key.SerialNumber)
	if err != nil {
		if isNotFound(err) {
			s.logger.Warn("pass registration without card record", "pass", key.String())
			return &FetchResult{Outcome: FetchNotFound}, nil
		}
		return nil, registryError(err, "failed to find card record")
	}

	pass, err := s.builder.Build(ctx, card, s.settings.buildOptions(key, reg.AuthenticationToken))
	if err != nil {
		return nil, passBuildError(err)
	}

	return &FetchResult{
		Outcome:      FetchPass,
		Pass:         pass,
		LastModified: lastModified,
	}, nil
}

func (s *RegistrationService) Unregister(ctx context.Context, in UnregisterInput) (UnregisterOutcome, error) {
	if err := requireFields(
		"deviceLibraryIdentifier", in.DeviceLibraryID,
		"passTypeIdentifier", in.PassTypeID,
		"serialNumber", in.SerialNumber,
	); err != nil {
		return 0, err
	}

	key := domain.PassKey{PassTypeID: in.PassTypeID, SerialNumber: in.SerialNumber}
	reg, err := s.registry.FindPass(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return UnregisterNotFound, nil
		}
		return 0, registryError(err, "failed to find pass registration")
	}

	if !tokensMatch(reg.AuthenticationToken, in.AuthenticationToken) {
		return UnregisterUnauthorized, nil
	}

	removed, err := s.registry.RemoveDevice(ctx, key, in.DeviceLibraryID)
	if err != nil {
		if isNotFound(err) {
			return UnregisterNotFound, nil
		}
		return 0, registryError(err, "failed to unregister device from pass")
	}
	if !removed {
		return UnregisterAlreadyRemoved, nil
	}

	s.logger.Debug("device unregistered from pass", "pass", key.String(), "device", in.DeviceLibraryID)
	return UnregisterRemoved, nil
}

// RecordDeviceLogs writes the messages a wallet reports about failed requests.
func (s *RegistrationService) RecordDeviceLogs(messages []string) {
	for _, msg := range messages {
		s.logger.Warn("wallet log", "message", msg)
	}
}
