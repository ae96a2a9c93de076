package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/saga-orchestrator/internal/service"
	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
	"github.com/utafrali/saga-orchestrator/pkg/httputil"
)

// EventService accepts choreography events.
type EventService interface {
	HandleEvent(ctx context.Context, ev service.InboundEvent) (*service.EventReceipt, error)
}

// EventHandler handles inbound choreography events posted over HTTP.
type EventHandler struct {
	events EventService
	logger *slog.Logger
}

// NewEventHandler creates a new event HTTP handler.
func NewEventHandler(events EventService, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

// PostEvent handles POST /events/{event_type}. The body is the event
// payload; an empty body is an event without data.
func (h *EventHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteError(w, r, apperrors.InvalidInput(fmt.Sprintf("read request body: %v", err)), h.logger)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	ev, err := service.NewInboundEvent(chi.URLParam(r, "event_type"), json.RawMessage(body))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	receipt, err := h.events.HandleEvent(r.Context(), ev)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}
