package router

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/signer"
)

var errInvalidEvent = protocol.NewError(protocol.ErrInvalidPayload, protocol.MsgInvalidEvent)

// parseEvent checks params[0] is an event with a numeric kind, string
// content, string[][] tags and numeric created_at.
func parseEvent(params []json.RawMessage) (signer.UnsignedEvent, error) {
	if len(params) == 0 {
		return signer.UnsignedEvent{}, errInvalidEvent
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params[0], &fields); err != nil || fields == nil {
		return signer.UnsignedEvent{}, errInvalidEvent
	}

	kind, ok := integer(fields["kind"])
	if !ok {
		return signer.UnsignedEvent{}, errInvalidEvent
	}
	createdAt, ok := integer(fields["created_at"])
	if !ok {
		return signer.UnsignedEvent{}, errInvalidEvent
	}
	var content string
	if !isString(fields["content"]) || json.Unmarshal(fields["content"], &content) != nil {
		return signer.UnsignedEvent{}, errInvalidEvent
	}
	var tags [][]string
	raw := bytes.TrimSpace(fields["tags"])
	if len(raw) == 0 || raw[0] != '[' || json.Unmarshal(raw, &tags) != nil {
		return signer.UnsignedEvent{}, errInvalidEvent
	}
	for _, tag := range tags {
		if tag == nil {
			return signer.UnsignedEvent{}, errInvalidEvent
		}
	}
	if tags == nil {
		tags = [][]string{}
	}

	return signer.UnsignedEvent{
		Kind:      int(kind),
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	}, nil
}

// parseCipherArgs checks params is [peerPubkey, text], both strings.
func parseCipherArgs(params []json.RawMessage) (peer, text string, err error) {
	bad := protocol.NewError(protocol.ErrInvalidPayload, "Invalid params: expected (pubkey: string, text: string)")
	if len(params) < 2 || !isString(params[0]) || !isString(params[1]) {
		return "", "", bad
	}
	if json.Unmarshal(params[0], &peer) != nil || json.Unmarshal(params[1], &text) != nil {
		return "", "", bad
	}
	return peer, text, nil
}

func isString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

// integer reports whether raw is a JSON number with an integral value.
func integer(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}
