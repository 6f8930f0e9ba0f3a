package nativemsg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ggoodman/bunkergate/approval"
)

// Outbound call methods.
const (
	MethodLastFocused = "windows.getLastFocused"
	MethodCreate      = "windows.create"
)

var _ approval.Host = (*Conn)(nil)

// LastFocused asks the extension for the last focused window. A null result
// means there is none.
func (c *Conn) LastFocused(ctx context.Context) (approval.Bounds, bool, error) {
	raw, err := c.disp.Call(ctx, MethodLastFocused, nil)
	if err != nil {
		return approval.Bounds{}, false, err
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return approval.Bounds{}, false, nil
	}
	var b approval.Bounds
	if err := json.Unmarshal(raw, &b); err != nil {
		return approval.Bounds{}, false, fmt.Errorf("nativemsg: decode bounds: %w", err)
	}
	return b, true, nil
}

// CreateParams is sent with windows.create. The extension turns Query into
// the approval page URL.
type CreateParams struct {
	Type   string            `json:"type"`
	Width  int               `json:"width"`
	Height int               `json:"height"`
	Left   *int              `json:"left,omitempty"`
	Top    *int              `json:"top,omitempty"`
	Query  map[string]string `json:"query"`
}

// Spawn opens an approval popup. The window id is the handle; a later
// windows.removed event for it closes the surface.
func (c *Conn) Spawn(ctx context.Context, req approval.SpawnRequest) (approval.Handle, error) {
	p := CreateParams{
		Type:   "popup",
		Width:  req.Width,
		Height: req.Height,
		Query: map[string]string{
			"requestId": req.RequestID,
			"host":      req.Host,
			"method":    string(req.Operation),
		},
	}
	if req.EventKind != nil {
		p.Query["eventKind"] = strconv.Itoa(*req.EventKind)
	}
	if req.Position != nil {
		p.Left, p.Top = &req.Position.Left, &req.Position.Top
	}

	raw, err := c.disp.Call(ctx, MethodCreate, p)
	if err != nil {
		return "", err
	}
	var win struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &win); err != nil || win.ID == nil {
		return "", fmt.Errorf("nativemsg: windows.create returned no window id")
	}
	return approval.Handle(strconv.FormatInt(*win.ID, 10)), nil
}
