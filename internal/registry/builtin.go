package registry

import (
	"time"

	"github.com/utafrali/saga-orchestrator/internal/domain"
)

// ServiceURLs locates the participant services used by the built-in sagas.
type ServiceURLs struct {
	UserService         string
	WorkspaceService    string
	DataService         string
	AIService           string
	NotificationService string
}

// Builtins returns the definitions shipped with the orchestrator.
func Builtins(urls ServiceURLs) []domain.SagaDefinition {
	return []domain.SagaDefinition{
		{
			TypeName:    "user_onboarding",
			Pattern:     domain.PatternOrchestration,
			Description: "Create the user account, provision a default workspace and send the welcome email",
			Timeout:     5 * time.Minute,
			Steps: []domain.StepTemplate{
				{StepID: "create_user", ServiceURL: urls.UserService, Action: "create_user", CompensationAction: "delete_user", Timeout: 30 * time.Second},
				{StepID: "create_workspace", ServiceURL: urls.WorkspaceService, Action: "create_workspace", CompensationAction: "delete_workspace", Timeout: 30 * time.Second},
				{StepID: "send_welcome_email", ServiceURL: urls.NotificationService, Action: "send_welcome_email", Timeout: 15 * time.Second},
			},
		},
		{
			TypeName:    "workspace_creation",
			Pattern:     domain.PatternOrchestration,
			Description: "Create a workspace, grant the owner membership and seed its storage",
			Timeout:     5 * time.Minute,
			Steps: []domain.StepTemplate{
				{StepID: "create_workspace", ServiceURL: urls.WorkspaceService, Action: "create_workspace", CompensationAction: "delete_workspace", Timeout: 30 * time.Second},
				{StepID: "add_owner", ServiceURL: urls.UserService, Action: "add_workspace_member", CompensationAction: "remove_workspace_member", Timeout: 15 * time.Second},
				{StepID: "provision_storage", ServiceURL: urls.DataService, Action: "provision_storage", CompensationAction: "release_storage", Timeout: time.Minute},
			},
		},
		{
			TypeName:    "data_sync",
			Pattern:     domain.PatternChoreography,
			Description: "Extract, transform and load a data source; each stage reacts to the previous stage's event",
			Timeout:     30 * time.Minute,
			Steps: []domain.StepTemplate{
				{StepID: "extract", ServiceURL: urls.DataService, Action: "data.extracted", CompensationAction: "discard_extract", Timeout: 10 * time.Minute},
				{StepID: "transform", ServiceURL: urls.DataService, Action: "data.transformed", CompensationAction: "discard_transform", Timeout: 10 * time.Minute},
				{StepID: "load", ServiceURL: urls.DataService, Action: "data.loaded", CompensationAction: "rollback_load", Timeout: 10 * time.Minute},
			},
		},
		{
			TypeName:    "ai_analysis",
			Pattern:     domain.PatternOrchestration,
			Description: "Prepare a dataset, run the analysis model and store the report",
			Timeout:     15 * time.Minute,
			Steps: []domain.StepTemplate{
				{StepID: "prepare_dataset", ServiceURL: urls.DataService, Action: "prepare_dataset", CompensationAction: "delete_dataset", Timeout: 2 * time.Minute},
				{StepID: "run_analysis", ServiceURL: urls.AIService, Action: "run_analysis", CompensationAction: "cancel_analysis", Timeout: 10 * time.Minute},
				{StepID: "store_report", ServiceURL: urls.DataService, Action: "store_report", CompensationAction: "delete_report", Timeout: time.Minute},
				{StepID: "notify_owner", ServiceURL: urls.NotificationService, Action: "notify_analysis_ready", Timeout: 15 * time.Second},
			},
		},
		{
			TypeName:    "webhook_processing",
			Pattern:     domain.PatternChoreography,
			Description: "Validate, persist and dispatch an inbound webhook",
			Timeout:     2 * time.Minute,
			Steps: []domain.StepTemplate{
				{StepID: "validate", ServiceURL: urls.NotificationService, Action: "webhook.validated", Timeout: 15 * time.Second},
				{StepID: "persist", ServiceURL: urls.DataService, Action: "webhook.persisted", CompensationAction: "delete_webhook", Timeout: 30 * time.Second},
				{StepID: "dispatch", ServiceURL: urls.NotificationService, Action: "webhook.dispatched", Timeout: 30 * time.Second},
			},
		},
	}
}

// RegisterBuiltins adds every built-in definition to r.
func RegisterBuiltins(r *Registry, urls ServiceURLs) error {
	for _, def := range Builtins(urls) {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
