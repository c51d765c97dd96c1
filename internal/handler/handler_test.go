package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
	"github.com/edutap-eu/esc-native-wallet/internal/passbuilder"
	"github.com/edutap-eu/esc-native-wallet/internal/repository"
	"github.com/edutap-eu/esc-native-wallet/internal/service"
	"github.com/edutap-eu/esc-native-wallet/pkg/jwt"
	"github.com/edutap-eu/esc-native-wallet/pkg/response"
)

const (
	testPassType = "pass.eu.europeanstudentcard"
	testSerial   = "S1"
	testSecret   = "test-secret"
)

type fakeBuilder struct {
	calls       int
	contentType string
}

func (b *fakeBuilder) Build(ctx context.Context, card *domain.StudentCard, opts passbuilder.Options) (*domain.SignedPass, error) {
	b.calls++
	contentType := b.contentType
	if contentType == "" {
		contentType = domain.PassContentType
	}
	return &domain.SignedPass{
		Data:        []byte("pkpass:" + card.ESCN + ":" + opts.AuthenticationToken),
		ContentType: contentType,
		FileName:    card.ESCN + ".pkpass",
	}, nil
}

type fakeNotifier struct {
	keys []domain.PassKey
}

func (n *fakeNotifier) NotifyHolders(ctx context.Context, key domain.PassKey) (*domain.DeliveryReport, error) {
	n.keys = append(n.keys, key)
	return &domain.DeliveryReport{
		Pass:       key,
		Deliveries: []domain.DeviceDelivery{{DeviceLibraryID: "D1", Outcome: domain.DeliveryDelivered, Attempts: 1}},
	}, nil
}

type testServer struct {
	store    repository.Store
	builder  *fakeBuilder
	notifier *fakeNotifier
	router   *mux.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		store:    repository.NewMemoryStore(),
		builder:  &fakeBuilder{},
		notifier: &fakeNotifier{},
	}
	settings := service.PassSettings{
		PassTypeID:    testPassType,
		TeamID:        "TEAM123456",
		WebServiceURL: "https://wallet.example.eu",
	}
	registration := service.NewRegistrationService(ts.store, ts.store, ts.builder, settings, nil)
	issuer := service.NewIssuerService(ts.store, ts.store, ts.builder, ts.notifier, nil, settings, nil)

	ts.router = mux.NewRouter()
	NewPassHandler(registration).RegisterRoutes(ts.router.PathPrefix("/v1").Subrouter())
	NewIssuerHandler(issuer).RegisterRoutes(ts.router.PathPrefix("/api/v1/issuer").Subrouter(), testSecret)
	ts.router.HandleFunc("/health", NewHealthHandler("memory", true).Health).Methods(http.MethodGet)

	if err := ts.store.SaveCard(context.Background(), &domain.StudentCard{ESCN: testSerial, FullName: "Ada King"}); err != nil {
		t.Fatalf("SaveCard() error = %v", err)
	}
	return ts
}

func (ts *testServer) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func passAuth(token string) map[string]string {
	return map[string]string{"Authorization": "ApplePass " + token}
}

const registrationURL = "/v1/devices/D1/registrations/" + testPassType + "/" + testSerial
const passURL = "/v1/passes/" + testPassType + "/" + testSerial

func TestPassHandler_RegistrationScenario(t *testing.T) {
	ts := newTestServer(t)
	body := `{"pushToken":"push-1"}`

	if rec := ts.do(http.MethodPost, registrationURL, body, passAuth("T")); rec.Code != http.StatusCreated {
		t.Fatalf("first register: expected 201, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, registrationURL, body, passAuth("T")); rec.Code != http.StatusOK {
		t.Fatalf("second register: expected 200, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, registrationURL, body, passAuth("X")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}

	rec := ts.do(http.MethodGet, passURL, "", passAuth("T"))
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != domain.PassContentType {
		t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "pkpass:S1:T" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	first := rec.Header().Get("Last-Modified")
	firstTime, err := http.ParseTime(first)
	if err != nil {
		t.Fatalf("invalid Last-Modified %q: %v", first, err)
	}

	key := domain.PassKey{PassTypeID: testPassType, SerialNumber: testSerial}
	if _, err := ts.store.TouchPass(context.Background(), key, firstTime.Add(2*time.Second)); err != nil {
		t.Fatalf("TouchPass() error = %v", err)
	}

	headers := passAuth("T")
	headers["If-Modified-Since"] = first
	rec = ts.do(http.MethodGet, passURL, "", headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("stale If-Modified-Since: expected 200, got %d", rec.Code)
	}
	second := rec.Header().Get("Last-Modified")

	headers["If-Modified-Since"] = second
	builds := ts.builder.calls
	rec = ts.do(http.MethodGet, passURL, "", headers)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("fresh If-Modified-Since: expected 304, got %d", rec.Code)
	}
	if ts.builder.calls != builds {
		t.Error("expected no pass build on 304")
	}
}

func TestPassHandler_RegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed body", body: `{`},
		{name: "missing push token", body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(http.MethodPost, registrationURL, tt.body, passAuth("T"))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}

			var body response.Response
			json.NewDecoder(rec.Body).Decode(&body)
			if body.Code != service.ErrorBadInput {
				t.Errorf("expected %s, got %q", service.ErrorBadInput, body.Code)
			}
			if _, err := ts.store.FindDevice(context.Background(), "D1"); err == nil {
				t.Error("expected the registry untouched")
			}
		})
	}
}

func TestPassHandler_RegisterWithoutToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, registrationURL, `{"pushToken":"push-1"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPassHandler_ListUpdatable(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(http.MethodPost, registrationURL, `{"pushToken":"push-1"}`, passAuth("T")); rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", rec.Code)
	}
	reg, _ := ts.store.FindPass(context.Background(), domain.PassKey{PassTypeID: testPassType, SerialNumber: testSerial})
	lastUpdated := domain.FormatLastUpdated(reg.LastUpdated)
	before := domain.FormatLastUpdated(reg.LastUpdated.Add(-time.Minute))

	tests := []struct {
		name       string
		target     string
		wantStatus int
	}{
		{name: "unknown device", target: "/v1/devices/D9/registrations/" + testPassType, wantStatus: http.StatusNoContent},
		{name: "no since", target: "/v1/devices/D1/registrations/" + testPassType, wantStatus: http.StatusOK},
		{name: "older since", target: "/v1/devices/D1/registrations/" + testPassType + "?passesUpdatedSince=" + before, wantStatus: http.StatusOK},
		{name: "alias", target: "/v1/devices/D1/registrations/" + testPassType + "?updatedSince=" + before, wantStatus: http.StatusOK},
		{name: "same second", target: "/v1/devices/D1/registrations/" + testPassType + "?passesUpdatedSince=" + lastUpdated, wantStatus: http.StatusNoContent},
		{name: "other pass type", target: "/v1/devices/D1/registrations/pass.other", wantStatus: http.StatusNoContent},
		{name: "invalid since", target: "/v1/devices/D1/registrations/" + testPassType + "?passesUpdatedSince=yesterday", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.target, "", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if rec.Code != http.StatusOK {
				return
			}

			var body domain.SerialNumbersResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.SerialNumbers) != 1 || body.SerialNumbers[0] != testSerial {
				t.Errorf("unexpected serials %v", body.SerialNumbers)
			}
			if body.LastUpdated != lastUpdated {
				t.Errorf("expected lastUpdated %s, got %s", lastUpdated, body.LastUpdated)
			}
		})
	}
}

func TestPassHandler_Fetch(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, registrationURL, `{"pushToken":"push-1"}`, passAuth("T"))

	tests := []struct {
		name       string
		target     string
		token      string
		wantStatus int
	}{
		{name: "unknown pass", target: "/v1/passes/" + testPassType + "/S9", token: "T", wantStatus: http.StatusNotFound},
		{name: "unknown pass without token", target: "/v1/passes/" + testPassType + "/S9", wantStatus: http.StatusNotFound},
		{name: "wrong token", target: passURL, token: "X", wantStatus: http.StatusUnauthorized},
		{name: "missing token", target: passURL, wantStatus: http.StatusUnauthorized},
		{name: "valid", target: passURL, token: "T", wantStatus: http.StatusOK},
		{name: "oversized serial", target: "/v1/passes/" + testPassType + "/" + strings.Repeat("S", 300), token: "T", wantStatus: http.StatusBadRequest},
		{name: "control character in serial", target: "/v1/passes/" + testPassType + "/S%01", token: "T", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers map[string]string
			if tt.token != "" {
				headers = passAuth(tt.token)
			}
			rec := ts.do(http.MethodGet, tt.target, "", headers)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusBadRequest {
				var body response.Response
				json.NewDecoder(rec.Body).Decode(&body)
				if body.Code != service.ErrorBadInput {
					t.Errorf("expected %s, got %q", service.ErrorBadInput, body.Code)
				}
			}
		})
	}
}

func TestPassHandler_FetchContentType(t *testing.T) {
	ts := newTestServer(t)
	ts.builder.contentType = "application/octet-stream"
	ts.do(http.MethodPost, registrationURL, `{"pushToken":"push-1"}`, passAuth("T"))

	rec := ts.do(http.MethodGet, passURL, "", passAuth("T"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != domain.PassContentType {
		t.Errorf("expected %s, got %q", domain.PassContentType, got)
	}
}

func TestPassHandler_Unregister(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, registrationURL, `{"pushToken":"push-1"}`, passAuth("T"))

	steps := []struct {
		name       string
		target     string
		token      string
		wantStatus int
	}{
		{name: "unknown pass", target: "/v1/devices/D1/registrations/" + testPassType + "/S9", token: "T", wantStatus: http.StatusNotFound},
		{name: "wrong token", target: registrationURL, token: "X", wantStatus: http.StatusUnauthorized},
		{name: "removed", target: registrationURL, token: "T", wantStatus: http.StatusOK},
		{name: "already removed", target: registrationURL, token: "T", wantStatus: http.StatusOK},
	}

	for _, step := range steps {
		rec := ts.do(http.MethodDelete, step.target, "", passAuth(step.token))
		if rec.Code != step.wantStatus {
			t.Errorf("%s: expected %d, got %d", step.name, step.wantStatus, rec.Code)
		}
	}

	reg, _ := ts.store.FindPass(context.Background(), domain.PassKey{PassTypeID: testPassType, SerialNumber: testSerial})
	if reg.HasDevice("D1") {
		t.Error("expected the device removed from the pass")
	}
}

func TestPassHandler_Log(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(http.MethodPost, "/v1/log", `{"logs":["Request to https://wallet.example.eu failed"]}`, nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/v1/log", `{"entries":[]}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without logs, got %d", rec.Code)
	}
}

func issuerAuth(t *testing.T) map[string]string {
	t.Helper()
	token, err := jwt.GenerateToken("registrar", time.Hour, testSecret)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

const validCard = `{
	"full_name": "Ada King",
	"esi": "urn:schac:personalUniqueCode:int:esi:example.eu:1",
	"issuer_hei_name": "Example University",
	"issued_at": "2025-01-01",
	"expires_at": "2029-01-01"
}`

func TestIssuerHandler_UpsertCard(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, registrationURL, `{"pushToken":"push-1"}`, passAuth("T"))

	if rec := ts.do(http.MethodPut, "/api/v1/issuer/cards/S1", validCard, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}

	rec := ts.do(http.MethodPut, "/api/v1/issuer/cards/S1", validCard, issuerAuth(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data domain.UpsertCardResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Registrations != 1 {
		t.Errorf("expected one advanced registration, got %+v", body.Data)
	}

	card, err := ts.store.FindCard(context.Background(), testSerial)
	if err != nil || card.IssuerHEIName != "Example University" {
		t.Errorf("expected the card stored, got %+v (%v)", card, err)
	}
}

func TestIssuerHandler_UpsertCardValidation(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "mismatched escn", path: "/api/v1/issuer/cards/S1", body: `{"escn":"S2","full_name":"A","esi":"e","issuer_hei_name":"h","issued_at":"2025-01-01","expires_at":"2029-01-01"}`},
		{name: "missing fields", path: "/api/v1/issuer/cards/S1", body: `{"full_name":"A"}`},
		{name: "bad date", path: "/api/v1/issuer/cards/S1", body: `{"full_name":"A","esi":"e","issuer_hei_name":"h","issued_at":"01/01/2025","expires_at":"2029-01-01"}`},
		{name: "malformed", path: "/api/v1/issuer/cards/S1", body: `[`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(http.MethodPut, tt.path, tt.body, issuerAuth(t))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestIssuerHandler_IssuePass(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/issuer/cards/S1/pass", "", issuerAuth(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="S1.pkpass"` {
		t.Errorf("unexpected disposition %q", got)
	}

	rec = ts.do(http.MethodGet, "/api/v1/issuer/cards/S9/pass", "", issuerAuth(t))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown card, got %d", rec.Code)
	}
}

func TestIssuerHandler_Notify(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, registrationURL, `{"pushToken":"push-1"}`, passAuth("T"))

	rec := ts.do(http.MethodPost, "/api/v1/issuer/passes/"+testPassType+"/S1/notify", "", issuerAuth(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(ts.notifier.keys) != 1 {
		t.Errorf("expected one fan-out, got %d", len(ts.notifier.keys))
	}

	rec = ts.do(http.MethodPost, "/api/v1/issuer/passes/"+testPassType+"/S9/notify", "", issuerAuth(t))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown pass, got %d", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
