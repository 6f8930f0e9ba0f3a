package protocol

import (
	"encoding/json"
	"strings"
)

// Type identifies an inbound message.
type Type string

// Message types accepted by the router.
const (
	// Approval surface
	ApprovalDecisionType   Type = "approval.decision"
	PendingPayloadGetType  Type = "pendingPayload.get"
	SurfaceClosedEventType Type = "surface.closed"

	// Session management
	SessionQueryType      Type = "session.query"
	SessionConnectType    Type = "session.connect"
	SessionDisconnectType Type = "session.disconnect"

	// Policy management
	PolicyListType         Type = "policy.list"
	PolicyRemoveType       Type = "policy.remove"
	PolicyRemoveOriginType Type = "policy.removeOrigin"

	// CapabilityPrefix prefixes every capability request type.
	CapabilityPrefix = "capability."
)

// Operation is a capability a page can request from the signer.
type Operation string

// Gated operations. Names match the NIP-07 surface exposed to pages.
const (
	GetPublicKey Operation = "getPublicKey"
	SignEvent    Operation = "signEvent"
	GetRelays    Operation = "getRelays"
	NIP04Encrypt Operation = "nip04_encrypt"
	NIP04Decrypt Operation = "nip04_decrypt"
	NIP44Encrypt Operation = "nip44_encrypt"
	NIP44Decrypt Operation = "nip44_decrypt"
)

var gated = map[Operation]struct{}{
	GetPublicKey: {},
	SignEvent:    {},
	GetRelays:    {},
	NIP04Encrypt: {},
	NIP04Decrypt: {},
	NIP44Encrypt: {},
	NIP44Decrypt: {},
}

// Gated reports whether op requires authorization.
func (op Operation) Gated() bool {
	_, ok := gated[op]
	return ok
}

// Operations returns the gated operation set.
func Operations() []Operation {
	return []Operation{GetPublicKey, SignEvent, GetRelays, NIP04Encrypt, NIP04Decrypt, NIP44Encrypt, NIP44Decrypt}
}

// CapabilityType returns the message type requesting op.
func CapabilityType(op Operation) Type {
	return Type(CapabilityPrefix + string(op))
}

// Capability splits a capability message type into its operation.
func (t Type) Capability() (Operation, bool) {
	op, ok := strings.CutPrefix(string(t), CapabilityPrefix)
	if !ok || op == "" {
		return "", false
	}
	return Operation(op), true
}

// Decision is the verdict an approval surface sends back.
type Decision string

const (
	AllowOnce   Decision = "allow_once"
	DenyOnce    Decision = "deny_once"
	AllowAlways Decision = "allow_always"
	DenyAlways  Decision = "deny_always"
)

// Allows reports whether the decision lets the request through.
func (d Decision) Allows() bool {
	return d == AllowOnce || d == AllowAlways
}

// Persistent reports whether the decision must be recorded as a policy.
func (d Decision) Persistent() bool {
	return d == AllowAlways || d == DenyAlways
}

// Message is the inbound envelope. Only the fields relevant to Type are read.
type Message struct {
	Type Type `json:"type"`

	// Capability requests.
	Params []json.RawMessage `json:"params,omitempty"`

	// session.connect
	URI string `json:"uri,omitempty"`

	// approval.decision, pendingPayload.get
	RequestID string   `json:"requestId,omitempty"`
	Decision  Decision `json:"decision,omitempty"`

	// policy.remove, policy.removeOrigin
	Host   string `json:"host,omitempty"`
	Method string `json:"method,omitempty"`

	// surface.closed
	Handle string `json:"handle,omitempty"`
}

// Empty is the response for messages with nothing to report.
type Empty struct{}

// ErrorResponse carries a failure back to the caller.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Result wraps a capability result.
type Result struct {
	Result any `json:"result"`
}

// SessionStatus answers session.query.
type SessionStatus struct {
	Connected    bool     `json:"connected"`
	SignerPubkey string   `json:"signerPubkey,omitempty"`
	Relays       []string `json:"relays,omitempty"`
}

// ConnectResult answers session.connect.
type ConnectResult struct {
	Success      bool   `json:"success"`
	SignerPubkey string `json:"signerPubkey,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PolicyDecision is the durable verdict for an (origin, operation) pair.
type PolicyDecision string

const (
	PolicyAllow PolicyDecision = "allow"
	PolicyDeny  PolicyDecision = "deny"
)

// PolicyEntry is one recorded decision.
type PolicyEntry struct {
	Decision  PolicyDecision `json:"decision" cbor:"decision"`
	CreatedAt int64          `json:"created_at" cbor:"created_at"`
}

// Policies maps origin host -> operation -> entry.
type Policies map[string]map[string]PolicyEntry

// PolicyList answers policy.list.
type PolicyList struct {
	Permissions Policies `json:"permissions"`
}

// PendingPayload answers pendingPayload.get. Event is null once the request
// resolved or if it never carried a payload.
type PendingPayload struct {
	Event json.RawMessage `json:"event"`
}

// RelayPolicy is the per-relay value in a getRelays result.
type RelayPolicy struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}
