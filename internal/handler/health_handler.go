package handler

import (
	"net/http"

	"github.com/edutap-eu/esc-native-wallet/pkg/response"
)

type HealthHandler struct {
	registry    string
	pushEnabled bool
}

func NewHealthHandler(registry string, pushEnabled bool) *HealthHandler {
	return &HealthHandler{registry: registry, pushEnabled: pushEnabled}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]any{
		"status":   "ok",
		"registry": h.registry,
		"push":     h.pushEnabled,
	})
}
