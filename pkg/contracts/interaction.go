package contracts

import "time"

// AgentIdentity names the agent whose interaction is being validated.
// Tier and score are the already-resolved trust values; the semantic layer
// never resolves trust itself.
type AgentIdentity struct {
	DID        string   `json:"did"`
	TenantID   string   `json:"tenant_id"`
	TrustTier  string   `json:"trust_tier"`
	TrustScore int      `json:"trust_score"`
	Domains    []string `json:"domains,omitempty"`
}

// Message is one inbound message to an agent, before channel classification.
type Message struct {
	Source        string    `json:"source"`
	Content       string    `json:"content"`
	Authenticated bool      `json:"authenticated"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// ContextItem is an externally provided piece of context accompanying an
// interaction. Signature is base64 ed25519 over the raw content when present.
type ContextItem struct {
	ProviderID string    `json:"provider_id"`
	Content    string    `json:"content"`
	Signature  string    `json:"signature,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// InferenceLevel orders what may be inferred from data, least to most
// invasive.
type InferenceLevel string

const (
	InferenceEntity         InferenceLevel = "entity"
	InferenceAggregate      InferenceLevel = "aggregate"
	InferencePattern        InferenceLevel = "pattern"
	InferenceAttribute      InferenceLevel = "attribute"
	InferenceIdentification InferenceLevel = "identification"
)

// InferenceRank maps a level to its position in the ordering; unknown levels
// rank above every valid one so they fail scope checks closed.
func InferenceRank(l InferenceLevel) int {
	switch l {
	case InferenceEntity:
		return 0
	case InferenceAggregate:
		return 1
	case InferencePattern:
		return 2
	case InferenceAttribute:
		return 3
	case InferenceIdentification:
		return 4
	}
	return 5
}

// ValidInferenceLevel reports whether l is a member of the closed level set.
func ValidInferenceLevel(l InferenceLevel) bool {
	return InferenceRank(l) <= 4
}

// InferenceOp is a declared inference the agent intends to perform.
type InferenceOp struct {
	Level         InferenceLevel `json:"level"`
	SourceDomains []string       `json:"source_domains,omitempty"`
	Purpose       string         `json:"purpose,omitempty"`
}

// RetentionMode says how long derived knowledge may be kept.
type RetentionMode string

const (
	RetentionSession    RetentionMode = "session"
	RetentionPersistent RetentionMode = "persistent"
)

// DerivedKnowledge is information an agent synthesized from source data,
// validated post-action.
type DerivedKnowledge struct {
	Content       string         `json:"content"`
	Level         InferenceLevel `json:"level"`
	SourceDomains []string       `json:"source_domains,omitempty"`
	Retention     RetentionMode  `json:"retention,omitempty"`
	Recipients    []string       `json:"recipients,omitempty"`
}

// ActionRequest is the pre-action side of an interaction.
type ActionRequest struct {
	Type      string         `json:"type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Endpoints []string       `json:"endpoints,omitempty"`
}

// ActionRecord is the post-action side: what the agent actually produced.
type ActionRecord struct {
	IntentID         string             `json:"intent_id,omitempty"`
	Output           any                `json:"output,omitempty"`
	Endpoints        []string           `json:"endpoints,omitempty"`
	DerivedKnowledge []DerivedKnowledge `json:"derived_knowledge,omitempty"`
}

// AgentInteraction bundles everything the semantic validators see for one
// agent action.
type AgentInteraction struct {
	Agent       AgentIdentity `json:"agent"`
	Message     *Message      `json:"message,omitempty"`
	Instruction string        `json:"instruction,omitempty"`
	// InstructionSignature is base64 ed25519 over the raw instruction bytes,
	// consumed by the signed-source validation path.
	InstructionSignature string         `json:"instruction_signature,omitempty"`
	ContextItems         []ContextItem  `json:"context_items,omitempty"`
	Inferences           []InferenceOp  `json:"inferences,omitempty"`
	Action               *ActionRequest `json:"action,omitempty"`
}
