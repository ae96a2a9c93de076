package domain

// Lifecycle event types published for every saga transition.
const (
	EventSagaStarted      = "saga.started"
	EventStepCompleted    = "saga.step.completed"
	EventStepFailed       = "saga.step.failed"
	EventSagaCompensating = "saga.compensating"
	EventSagaCompleted    = "saga.completed"
	EventSagaCompensated  = "saga.compensated"
	EventSagaFailed       = "saga.failed"
	EventSagaCancelled    = "saga.cancelled"
	EventStepCompensated  = "saga.step.compensated"
	stepRequestedSuffix   = ".requested"
	stepFailedEventSuffix = ".failed"
)

// RequestedEvent is the event type asking choreography participants to
// perform action.
func RequestedEvent(action string) string {
	return action + stepRequestedSuffix
}

// FailedEvent is the event type a participant publishes when action failed.
func FailedEvent(action string) string {
	return action + stepFailedEventSuffix
}

// TerminalEvent maps a terminal status to its lifecycle event type.
func TerminalEvent(status SagaStatus) string {
	switch status {
	case SagaCompleted:
		return EventSagaCompleted
	case SagaCompensated:
		return EventSagaCompensated
	case SagaCancelled:
		return EventSagaCancelled
	case SagaFailed:
		return EventSagaFailed
	}
	return ""
}
