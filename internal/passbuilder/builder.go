package passbuilder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
)

// Options carries the pass-level values that do not come from the card record.
type Options struct {
	PassTypeID          string `json:"pass_type_id"`
	SerialNumber        string `json:"serial_number"`
	TeamID              string `json:"team_id"`
	OrganizationName    string `json:"organization_name"`
	WebServiceURL       string `json:"web_service_url,omitempty"`
	AuthenticationToken string `json:"authentication_token,omitempty"`
}

// PassBuilder renders and signs a pass for a card record.
type PassBuilder interface {
	Build(ctx context.Context, card *domain.StudentCard, opts Options) (*domain.SignedPass, error)
}

const maxPassSize = 10 << 20

type buildRequest struct {
	Card *domain.StudentCard `json:"card"`
	Pass Options             `json:"pass"`
}

// RemoteBuilder delegates signing to an HTTP signing service that answers a
// JSON build request with the pass archive.
type RemoteBuilder struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewRemoteBuilder(endpoint, apiKey string, timeout time.Duration) *RemoteBuilder {
	return &RemoteBuilder{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (b *RemoteBuilder) Build(ctx context.Context, card *domain.StudentCard, opts Options) (*domain.SignedPass, error) {
	if card == nil {
		return nil, builderError("card record is required", nil)
	}

	body, err := json.Marshal(buildRequest{Card: card, Pass: opts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/passes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", domain.PassContentType)
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, builderWrapError(err, "pass signing service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, builderError("pass signing service rejected the request", map[string]any{
			"status": resp.StatusCode,
			"body":   strings.TrimSpace(string(msg)),
		})
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPassSize+1))
	if err != nil {
		return nil, builderWrapError(err, "failed to read signed pass")
	}
	if len(data) > maxPassSize {
		return nil, builderError("signed pass exceeds size limit", nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = domain.PassContentType
	}

	return &domain.SignedPass{
		Data:        data,
		ContentType: contentType,
		FileName:    card.ESCN + ".pkpass",
	}, nil
}

func builderError(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode("PASS_BUILD_FAILED")
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func builderWrapError(source error, message string) error {
	return goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode("PASS_BUILD_FAILED")
}
