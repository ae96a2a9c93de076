package http

import (
	"net/http"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/pkg/health"
	"github.com/utafrali/saga-orchestrator/pkg/httputil"
)

// TemplateLister lists the registered saga definitions.
type TemplateLister interface {
	List() []domain.SagaDefinition
}

// TemplateStep is one step of a template as served by the API.
type TemplateStep struct {
	StepID             string  `json:"step_id"`
	ServiceURL         string  `json:"service_url"`
	Action             string  `json:"action"`
	CompensationAction string  `json:"compensation_action,omitempty"`
	TimeoutSeconds     float64 `json:"timeout_seconds,omitempty"`
}

// Template summarizes one registered saga definition.
type Template struct {
	TypeName       string         `json:"type_name"`
	Pattern        domain.Pattern `json:"pattern"`
	Description    string         `json:"description"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
	Steps          []TemplateStep `json:"steps"`
}

// TemplatesResponse lists the registered templates.
type TemplatesResponse struct {
	Templates []Template `json:"templates"`
	Total     int        `json:"total"`
}

// OpsHandler serves statistics, templates and the aggregated health view.
type OpsHandler struct {
	collector *metrics.Collector
	templates TemplateLister
	health    *health.Handler
}

// NewOpsHandler creates the operational endpoints handler.
func NewOpsHandler(collector *metrics.Collector, templates TemplateLister, healthHandler *health.Handler) *OpsHandler {
	return &OpsHandler{collector: collector, templates: templates, health: healthHandler}
}

// Metrics handles GET /metrics with the JSON summary.
func (h *OpsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.collector.Summary())
}

// Templates handles GET /workflows/templates.
func (h *OpsHandler) Templates(w http.ResponseWriter, r *http.Request) {
	defs := h.templates.List()
	out := make([]Template, 0, len(defs))
	for _, def := range defs {
		t := Template{
			TypeName:       def.TypeName,
			Pattern:        def.Pattern,
			Description:    def.Description,
			TimeoutSeconds: def.Timeout.Seconds(),
			Steps:          make([]TemplateStep, 0, len(def.Steps)),
		}
		for _, s := range def.Steps {
			t.Steps = append(t.Steps, TemplateStep{
				StepID:             s.StepID,
				ServiceURL:         s.ServiceURL,
				Action:             s.Action,
				CompensationAction: s.CompensationAction,
				TimeoutSeconds:     s.Timeout.Seconds(),
			})
		}
		out = append(out, t)
	}
	httputil.WriteJSON(w, http.StatusOK, TemplatesResponse{Templates: out, Total: len(out)})
}

// Health handles GET /health. It always answers 200 and reports the
// overall status in the body; /health/ready is the probe that fails.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.health.Check(r.Context()))
}
