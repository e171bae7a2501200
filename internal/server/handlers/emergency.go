package handlers

import (
	"context"
	"net/http"

	"github.com/freqops/freqops/pkg/emergency"
)

// StopAller is the coordinator surface the emergency handler needs.
type StopAller interface {
	StopAll(ctx context.Context) emergency.Report
}

// EmergencyHandler serves POST /emergency/stop-all.
type EmergencyHandler struct {
	coordinator StopAller
}

// NewEmergencyHandler wires the handler.
func NewEmergencyHandler(coordinator StopAller) *EmergencyHandler {
	return &EmergencyHandler{coordinator: coordinator}
}

// StopAll stops every running entity and reports the outcome. Partial
// failure is still a 200; the report carries the failures.
func (h *EmergencyHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	report := h.coordinator.StopAll(r.Context())
	writeJSON(w, http.StatusOK, report)
}
