package push

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
	"github.com/edutap-eu/esc-native-wallet/internal/repository"
)

const (
	ProductionHost  = "https://api.push.apple.com"
	DevelopmentHost = "https://api.sandbox.push.apple.com"

	// MaxTokenRefreshes bounds how often one push is retried after the
	// provider rejects the token, so a device sees at most MaxTokenRefreshes+1 sends.
	MaxTokenRefreshes = 3

	ReasonBadDeviceToken = "BadDeviceToken"

	DefaultConcurrency = 8
	DefaultPushTimeout = 10 * time.Second
)

// Notifier fans out an update notification to every device holding a pass.
// It returns an error only when the device set cannot be resolved; per-device
// results are in the report.
type Notifier interface {
	NotifyHolders(ctx context.Context, key domain.PassKey) (*domain.DeliveryReport, error)
}

type disabledNotifier struct{}

// Disabled is the Notifier used when push delivery is not configured.
var Disabled Notifier = disabledNotifier{}

func (disabledNotifier) NotifyHolders(context.Context, domain.PassKey) (*domain.DeliveryReport, error) {
	return nil, goerrors.New("push delivery is not configured", goerrors.CategoryOperation).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode("PUSH_DISABLED")
}

func IsDisabled(n Notifier) bool {
	return n == nil || n == Disabled
}

// NewAPNsClient returns an HTTP/2 client for the provider endpoint.
func NewAPNsClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			ReadIdleTimeout: 30 * time.Second,
			PingTimeout:     15 * time.Second,
		},
	}
}

type Config struct {
	Host        string
	Concurrency int
	PushTimeout time.Duration
}

type Option func(*Dispatcher)

func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.client = client }
}

func WithLogger(logger glog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

type Dispatcher struct {
	registry    repository.Registry
	tokens      TokenSource
	client      *http.Client
	host        string
	concurrency int
	pushTimeout time.Duration
	logger      glog.Logger
	tracer      trace.Tracer
}

var _ Notifier = (*Dispatcher)(nil)

func NewDispatcher(registry repository.Registry, tokens TokenSource, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		tokens:      tokens,
		host:        strings.TrimRight(cfg.Host, "/"),
		concurrency: cfg.Concurrency,
		pushTimeout: cfg.PushTimeout,
		logger:      glog.Nop(),
	}
	if d.host == "" {
		d.host = ProductionHost
	}
	if d.concurrency <= 0 {
		d.concurrency = DefaultConcurrency
	}
	if d.pushTimeout <= 0 {
		d.pushTimeout = DefaultPushTimeout
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = NewAPNsClient()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/edutap-eu/esc-native-wallet/internal/push")
	}
	return d
}

func (d *Dispatcher) NotifyHolders(ctx context.Context, key domain.PassKey) (*domain.DeliveryReport, error) {
	devices, err := d.registry.ListDevicesForPass(ctx, key)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to resolve devices for pass").
			WithCode(http.StatusServiceUnavailable).
			WithTextCode("REGISTRY_UNAVAILABLE").
			WithMetadata(map[string]any{"pass": key.String()})
	}

	report := &domain.DeliveryReport{
		Pass:       key,
		Deliveries: make([]domain.DeviceDelivery, len(devices)),
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i, device := range devices {
		if ctx.Err() != nil {
			report.Deliveries[i] = skipped(device)
			continue
		}
		g.Go(func() error {
			// Waiting for a free slot may outlast the caller.
			if ctx.Err() != nil {
				report.Deliveries[i] = skipped(device)
				return nil
			}
			report.Deliveries[i] = d.deliver(ctx, key, device)
			return nil
		})
	}
	g.Wait()

	d.logger.Info("pass notification finished",
		"pass", key.String(),
		"devices", len(devices),
		"delivered", report.Count(domain.DeliveryDelivered),
		"unregistered", report.Count(domain.DeliveryUnregistered),
		"failed", report.Count(domain.DeliveryFailed),
		"skipped", report.Count(domain.DeliverySkipped),
	)
	return report, nil
}

func skipped(device *domain.Device) domain.DeviceDelivery {
	return domain.DeviceDelivery{
		DeviceLibraryID: device.LibraryID,
		Outcome:         domain.DeliverySkipped,
	}
}

// deliver runs one device push to completion. Once started it is detached
// from the caller's cancellation and bounded by the push timeout instead.
func (d *Dispatcher) deliver(parent context.Context, key domain.PassKey, device *domain.Device) domain.DeviceDelivery {
	ctx := context.WithoutCancel(parent)

	ctx, span := d.tracer.Start(ctx, "push.deliver", trace.WithAttributes(
		attribute.String("pass.type_id", key.PassTypeID),
		attribute.String("pass.serial_number", key.SerialNumber),
		attribute.String("device.library_id", device.LibraryID),
	))
	defer span.End()

	result := d.push(ctx, key, device)

	span.SetAttributes(
		attribute.String("push.outcome", string(result.Outcome)),
		attribute.Int("push.attempts", result.Attempts),
		attribute.Int("push.status", result.Status),
	)
	if result.Outcome == domain.DeliveryFailed {
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

func (d *Dispatcher) push(ctx context.Context, key domain.PassKey, device *domain.Device) domain.DeviceDelivery {
	result := domain.DeviceDelivery{DeviceLibraryID: device.LibraryID}

	token, err := d.tokens.CurrentToken()
	if err != nil {
		return d.fail(result, key, err)
	}

	refreshes := 0
	for {
		result.Attempts++

		status, reason, err := d.send(ctx, key.PassTypeID, device.PushToken, token)
		if err != nil {
			return d.fail(result, key, err)
		}
		result.Status = status
		result.Reason = reason

		switch {
		case status == http.StatusOK:
			result.Outcome = domain.DeliveryDelivered
			d.logger.Debug("push delivered", "pass", key.String(), "device", device.LibraryID)
			return result

		case status == http.StatusGone,
			status == http.StatusBadRequest && reason == ReasonBadDeviceToken:
			return d.unregister(ctx, result, key, device)

		case status == http.StatusBadRequest:
			result.Outcome = domain.DeliveryIgnored
			d.logger.Warn("push rejected, ignoring",
				"pass", key.String(), "device", device.LibraryID, "reason", reason)
			return result

		case status == http.StatusForbidden:
			if refreshes >= MaxTokenRefreshes {
				return d.fail(result, key, deliveryError(
					fmt.Sprintf("provider token rejected after %d refreshes", refreshes), status, reason))
			}
			refreshes++
			if token, err = d.tokens.ForceRefresh(); err != nil {
				return d.fail(result, key, err)
			}

		default:
			return d.fail(result, key, deliveryError("push rejected", status, reason))
		}
	}
}

func (d *Dispatcher) unregister(ctx context.Context, result domain.DeviceDelivery, key domain.PassKey, device *domain.Device) domain.DeviceDelivery {
	if _, err := d.registry.RemoveDevice(ctx, key, device.LibraryID); err != nil {
		return d.fail(result, key, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to remove unreachable device").
			WithCode(http.StatusServiceUnavailable).
			WithTextCode("REGISTRY_UNAVAILABLE"))
	}
	result.Outcome = domain.DeliveryUnregistered
	d.logger.Warn("device no longer reachable, removed from pass",
		"pass", key.String(), "device", device.LibraryID, "status", result.Status, "reason", result.Reason)
	return result
}

func (d *Dispatcher) fail(result domain.DeviceDelivery, key domain.PassKey, err error) domain.DeviceDelivery {
	result.Outcome = domain.DeliveryFailed
	result.Error = err.Error()
	d.logger.Error("push failed",
		"pass", key.String(), "device", result.DeviceLibraryID, "attempts", result.Attempts, "error", err)
	return result
}

type errorResponse struct {
	Reason string `json:"reason"`
}

func (d *Dispatcher) send(ctx context.Context, topic, pushToken, providerToken string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	defer cancel()

	endpoint := d.host + "/3/device/" + url.PathEscape(pushToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-push-type", "pass")
	req.Header.Set("apns-id", uuid.New().String())
	req.Header.Set("authorization", "bearer "+providerToken)
	req.Header.Set("content-type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", goerrors.Wrap(err, goerrors.CategoryExternal, "push transport failed").
			WithCode(http.StatusBadGateway).
			WithTextCode("PUSH_TRANSPORT_FAILED")
	}
	defer resp.Body.Close()

	var body errorResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	}
	return resp.StatusCode, body.Reason, nil
}

func deliveryError(message string, status int, reason string) error {
	metadata := map[string]any{"status": status}
	if reason != "" {
		metadata["reason"] = reason
		message = fmt.Sprintf("%s: %d %s", message, status, reason)
	} else {
		message = fmt.Sprintf("%s: %d", message, status)
	}
	return goerrors.New(message, goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode("PUSH_REJECTED").
		WithMetadata(metadata)
}
