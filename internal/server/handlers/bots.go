package handlers

import (
	"net/http"

	"github.com/freqops/freqops/pkg/bots"
)

// BotsHandler serves the read-only fleet view.
type BotsHandler struct {
	registry *bots.Registry
}

// NewBotsHandler wires the handler.
func NewBotsHandler(registry *bots.Registry) *BotsHandler {
	return &BotsHandler{registry: registry}
}

// List handles GET /bots.
func (h *BotsHandler) List(w http.ResponseWriter, r *http.Request) {
	fleet := h.registry.List()
	if fleet == nil {
		fleet = []bots.Bot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": fleet, "count": len(fleet)})
}
