package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	goerrors "github.com/goliatone/go-errors"
	"github.com/gorilla/mux"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
	"github.com/edutap-eu/esc-native-wallet/internal/middleware"
	"github.com/edutap-eu/esc-native-wallet/internal/service"
	"github.com/edutap-eu/esc-native-wallet/pkg/response"
)

const maxLogBody = 1 << 20

// PassHandler serves the wallet-facing web service. Outcomes are reported
// with bare status codes; only list answers carry a JSON body.
type PassHandler struct {
	service  *service.RegistrationService
	validate *validator.Validate
}

func NewPassHandler(service *service.RegistrationService) *PassHandler {
	return &PassHandler{
		service:  service,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the web service on r, which is expected to be the
// /v1 subrouter.
func (h *PassHandler) RegisterRoutes(r *mux.Router) {
	r.Use(middleware.PassAuthMiddleware())

	r.HandleFunc("/devices/{deviceLibraryId}/registrations/{passTypeId}/{serialNumber}", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/devices/{deviceLibraryId}/registrations/{passTypeId}/{serialNumber}", h.Unregister).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{deviceLibraryId}/registrations/{passTypeId}", h.ListUpdatable).Methods(http.MethodGet)
	r.HandleFunc("/passes/{passTypeId}/{serialNumber}", h.Fetch).Methods(http.MethodGet)
	r.HandleFunc("/log", h.Log).Methods(http.MethodPost)
}

func (h *PassHandler) registrationPath(r *http.Request) (domain.RegistrationPath, error) {
	vars := mux.Vars(r)
	path := domain.RegistrationPath{
		DeviceLibraryID: vars["deviceLibraryId"],
		PassTypeID:      vars["passTypeId"],
		SerialNumber:    vars["serialNumber"],
	}
	if err := h.validate.Struct(path); err != nil {
		return path, validationError(err)
	}
	return path, nil
}

func (h *PassHandler) Register(w http.ResponseWriter, r *http.Request) {
	path, err := h.registrationPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req domain.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, malformedBody())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, validationError(err))
		return
	}

	outcome, err := h.service.Register(r.Context(), service.RegisterInput{
		DeviceLibraryID:     path.DeviceLibraryID,
		PassTypeID:          path.PassTypeID,
		SerialNumber:        path.SerialNumber,
		AuthenticationToken: middleware.GetPassToken(r),
		PushToken:           req.PushToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	response.Status(w, outcome.StatusCode())
}

func (h *PassHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	path, err := h.registrationPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := h.service.Unregister(r.Context(), service.UnregisterInput{
		DeviceLibraryID:     path.DeviceLibraryID,
		PassTypeID:          path.PassTypeID,
		SerialNumber:        path.SerialNumber,
		AuthenticationToken: middleware.GetPassToken(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	response.Status(w, outcome.StatusCode())
}

func (h *PassHandler) ListUpdatable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID := vars["deviceLibraryId"]
	passTypeID := vars["passTypeId"]
	if err := h.validate.Var(deviceID, "required,max=256,printascii"); err != nil {
		writeError(w, validationError(err))
		return
	}
	if err := h.validate.Var(passTypeID, "required,max=256,printascii"); err != nil {
		writeError(w, validationError(err))
		return
	}

	since, err := parseSince(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.service.ListUpdatable(r.Context(), deviceID, passTypeID, since)
	if err != nil {
		writeError(w, err)
		return
	}

	status := result.StatusCode()
	if status != http.StatusOK {
		response.Status(w, status)
		return
	}
	response.RawJSON(w, status, domain.SerialNumbersResponse{
		SerialNumbers: result.SerialNumbers,
		LastUpdated:   domain.FormatLastUpdated(result.LastUpdated),
	})
}

// parseSince reads passesUpdatedSince, falling back to the updatedSince alias.
func parseSince(r *http.Request) (*time.Time, error) {
	query := r.URL.Query()
	raw := query.Get("passesUpdatedSince")
	field := "passesUpdatedSince"
	if raw == "" {
		raw = query.Get("updatedSince")
		field = "updatedSince"
	}
	if raw == "" {
		return nil, nil
	}

	since, err := domain.ParseLastUpdated(raw)
	if err != nil {
		return nil, goerrors.NewValidation("invalid request", goerrors.FieldError{
			Field:   field,
			Message: "must be an RFC 3339 timestamp",
			Value:   raw,
		}).WithCode(http.StatusBadRequest).WithTextCode(service.ErrorBadInput)
	}
	return &since, nil
}

func (h *PassHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path := domain.PassPath{
		PassTypeID:   vars["passTypeId"],
		SerialNumber: vars["serialNumber"],
	}
	if err := h.validate.Struct(path); err != nil {
		writeError(w, validationError(err))
		return
	}

	in := service.FetchInput{
		PassTypeID:          path.PassTypeID,
		SerialNumber:        path.SerialNumber,
		AuthenticationToken: middleware.GetPassToken(r),
	}

	// An unparseable If-Modified-Since is ignored, as HTTP caches do.
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			in.IfModifiedSince = &t
		}
	}

	result, err := h.service.Fetch(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	switch result.Outcome {
	case service.FetchPass:
		w.Header().Set("Last-Modified", domain.FormatHTTPTime(result.LastModified))
		if result.Pass.FileName != "" {
			w.Header().Set("Content-Disposition", `attachment; filename="`+result.Pass.FileName+`"`)
		}
		response.Raw(w, http.StatusOK, domain.PassContentType, result.Pass.Data)
	case service.FetchNotModified:
		w.Header().Set("Last-Modified", domain.FormatHTTPTime(result.LastModified))
		response.Status(w, http.StatusNotModified)
	default:
		response.Status(w, result.Outcome.StatusCode())
	}
}

func (h *PassHandler) Log(w http.ResponseWriter, r *http.Request) {
	var req domain.DeviceLogRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLogBody)).Decode(&req); err != nil {
		writeError(w, malformedBody())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, validationError(err))
		return
	}

	h.service.RecordDeviceLogs(req.Logs)
	response.Status(w, http.StatusOK)
}
