package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	goerrors "github.com/goliatone/go-errors"
	"github.com/gorilla/mux"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
	"github.com/edutap-eu/esc-native-wallet/internal/middleware"
	"github.com/edutap-eu/esc-native-wallet/internal/service"
	"github.com/edutap-eu/esc-native-wallet/pkg/response"
)

const maxCardBody = 8 << 20

type IssuerHandler struct {
	service  *service.IssuerService
	validate *validator.Validate
}

func NewIssuerHandler(service *service.IssuerService) *IssuerHandler {
	return &IssuerHandler{
		service:  service,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the issuer API on r behind bearer authentication.
func (h *IssuerHandler) RegisterRoutes(r *mux.Router, jwtSecret string) {
	r.Use(middleware.AuthMiddleware(jwtSecret))

	r.HandleFunc("/cards/{serialNumber}", h.UpsertCard).Methods(http.MethodPut, http.MethodOptions)
	r.HandleFunc("/cards/{serialNumber}/pass", h.IssuePass).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/passes/{passTypeId}/{serialNumber}/notify", h.Notify).Methods(http.MethodPost, http.MethodOptions)
}

func (h *IssuerHandler) serialNumber(r *http.Request) (string, error) {
	serial := mux.Vars(r)["serialNumber"]
	if err := h.validate.Var(serial, "required,max=256,printascii,excludesall=/"); err != nil {
		return "", validationError(err)
	}
	return serial, nil
}

func (h *IssuerHandler) UpsertCard(w http.ResponseWriter, r *http.Request) {
	serial, err := h.serialNumber(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var card domain.StudentCard
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCardBody)).Decode(&card); err != nil {
		writeError(w, malformedBody())
		return
	}
	if card.ESCN == "" {
		card.ESCN = serial
	}
	if card.ESCN != serial {
		writeError(w, goerrors.NewValidation("invalid request", goerrors.FieldError{
			Field:   "escn",
			Message: "must match the serial number in the path",
		}).WithCode(http.StatusBadRequest).WithTextCode(service.ErrorBadInput))
		return
	}
	if err := h.validate.Struct(card); err != nil {
		writeError(w, validationError(err))
		return
	}

	result, err := h.service.UpsertCard(r.Context(), &card)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, result)
}

func (h *IssuerHandler) IssuePass(w http.ResponseWriter, r *http.Request) {
	serial, err := h.serialNumber(r)
	if err != nil {
		writeError(w, err)
		return
	}

	pass, err := h.service.IssuePass(r.Context(), serial)
	if err != nil {
		writeError(w, err)
		return
	}

	if pass.FileName != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+pass.FileName+`"`)
	}
	contentType := pass.ContentType
	if contentType == "" {
		contentType = domain.PassContentType
	}
	response.Raw(w, http.StatusOK, contentType, pass.Data)
}

func (h *IssuerHandler) Notify(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := domain.PassKey{PassTypeID: vars["passTypeId"], SerialNumber: vars["serialNumber"]}

	report, err := h.service.NotifyHolders(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, report)
}
