// Package events defines the lifecycle notifications published on the event
// bus. These are auxiliary signals for observers (the request tracker, status
// endpoints); the canonical transcript flows through the message store and
// the hub, not through here.
package events

// Event types for the request lifecycle. Notifications are published on a
// subject equal to their event type, so observers can subscribe with
// NATS-style wildcards ("request.>").
const (
	RequestSubmitted = "request.submitted"
	RequestStarted   = "request.started"
	RequestCompleted = "request.completed"
	RequestFailed    = "request.failed"
	RequestCancelled = "request.cancelled"
	RequestFellback  = "request.fellback"
)

// Event types for orchestrator lifecycle.
const (
	OrchestratorStarted = "orchestrator.started"
	OrchestratorStopped = "orchestrator.stopped"
)

// Event types for agent availability.
const (
	AgentAvailabilityChanged = "agent.availability_changed"
)

// Event types for projects.
const (
	ProjectDeleted = "project.deleted"
)
