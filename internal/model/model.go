// Package model defines the persistent entities shared by the poller,
// pipeline, scheduler, workflow engine, orchestrator and DR subsystems,
// together with their status state machines. Entities are plain data:
// behavior that spans subsystems lives in the packages that own it.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a prefixed unique identifier, e.g. "exec_5f3a...".
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// DocumentID derives the document identifier from its natural key, so
// concurrent inserts of the same (source, external) pair collide on the
// primary key and "first insert wins" holds in every store backend.
func DocumentID(sourceID, externalID string) string {
	sum := sha256.Sum256([]byte(sourceID + "/" + externalID))
	return "doc_" + hex.EncodeToString(sum[:12])
}

// Event is the unit of work the orchestrator routes. Payload keys are
// event-kind specific; Actor identifies the principal or subsystem that
// produced the event.
type Event struct {
	ID         string         `json:"id"`
	Kind       TriggerKind    `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEvent builds an event with a fresh id and the current time.
func NewEvent(kind TriggerKind, payload map[string]any, actor string) Event {
	return Event{
		ID:         NewID("evt"),
		Kind:       kind,
		Payload:    payload,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
	}
}

// Priority expresses business urgency for compliance tasks. It mirrors
// impact levels so orchestration can propagate one into the other.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityFromImpact maps an assessment level onto a task priority.
func PriorityFromImpact(level ImpactLevel) Priority {
	switch level {
	case ImpactCritical:
		return PriorityCritical
	case ImpactHigh:
		return PriorityHigh
	case ImpactMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
