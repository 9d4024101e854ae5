// Package contracts defines the wire types shared across the keel pipeline:
// intents entering the system, decisions leaving it, and the interaction
// shapes consumed by the semantic validators. Closed string sets are typed
// constants with Valid helpers; unknown values fail closed.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ActorType classifies the originator of an intent.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorAgent   ActorType = "agent"
	ActorService ActorType = "service"
	ActorSystem  ActorType = "system"
)

// ValidActorType reports whether t is a member of the closed actor set.
func ValidActorType(t ActorType) bool {
	switch t {
	case ActorUser, ActorAgent, ActorService, ActorSystem:
		return true
	}
	return false
}

// Actor identifies who proposed an action.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
	Name string    `json:"name,omitempty"`
	IP   string    `json:"ip,omitempty"`
}

// Intent is a structured, pre-execution description of what an agent
// proposes to do. Immutable after handoff to the engine.
type Intent struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Actor      Actor  `json:"actor"`
	Goal       string `json:"goal"`
	IntentType string `json:"intent_type,omitempty"`

	Tools     []string `json:"tools,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`
	Content   string   `json:"content,omitempty"`

	// RequestedCapabilities are checked by capability_gate constraints that
	// do not name their own values.
	RequestedCapabilities []string `json:"requested_capabilities,omitempty"`

	Context map[string]any `json:"context,omitempty"`

	// RequestID and TraceID propagate from the caller when present and are
	// generated otherwise; every audit record for one intent shares them.
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// EnsureIdentity fills ID, RequestID, and TraceID when the caller omitted
// them and stamps CreatedAt.
func (in *Intent) EnsureIdentity(now time.Time) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.RequestID == "" {
		in.RequestID = uuid.New().String()
	}
	if in.TraceID == "" {
		in.TraceID = in.RequestID
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now.UTC()
	}
}
