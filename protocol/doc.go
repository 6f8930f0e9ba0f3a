// Package protocol contains the message taxonomy shared by every bunkergate
// transport: the inbound message envelope, the gated capability operations,
// approval decisions, response shapes and error kinds.
//
// The package is free of transport logic. The native messaging host, the
// websocket page bridge and the HTTP management API all decode into Message
// and hand it to the router; whatever the router returns is marshaled back
// as-is.
//
// # Message Types
//
// Message types are enumerated as Type constants. Capability requests use the
// "capability." prefix followed by an Operation name, e.g.
// "capability.signEvent". Operations outside the gated set bypass
// authorization entirely.
//
// # Errors
//
// Every failure surfaces to the caller as ErrorResponse. Error carries a kind
// (one of the Err* sentinels) so code can branch with errors.Is while the
// wire only ever sees the human-readable message.
package protocol
