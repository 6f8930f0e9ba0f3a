package protocol

import (
	"github.com/invopop/jsonschema"
)

// Schemas returns JSON schemas for the inbound envelope and every response
// shape, keyed by type name. Served by the HTTP API so bridge authors can
// validate against the daemon they are talking to.
func Schemas() map[string]*jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return map[string]*jsonschema.Schema{
		"Message":        r.Reflect(&Message{}),
		"ErrorResponse":  r.Reflect(&ErrorResponse{}),
		"SessionStatus":  r.Reflect(&SessionStatus{}),
		"ConnectResult":  r.Reflect(&ConnectResult{}),
		"PolicyList":     r.Reflect(&PolicyList{}),
		"PendingPayload": r.Reflect(&PendingPayload{}),
	}
}
