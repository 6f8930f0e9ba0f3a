package approval

import (
	"context"

	"github.com/ggoodman/bunkergate/protocol"
)

// Surface dimensions.
const (
	SurfaceWidth  = 400
	SurfaceHeight = 440
)

// Handle identifies a spawned approval surface to its Host.
type Handle string

// Bounds is the geometry of a window.
type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SpawnRequest is everything a Host needs to show an approval surface.
type SpawnRequest struct {
	RequestID string
	Host      string
	Operation protocol.Operation
	// EventKind is set for signEvent requests whose payload carries a kind.
	EventKind *int

	Width  int
	Height int
	// Position is nil when the host should pick a position itself.
	Position *Point
}

// Point is a screen position.
type Point struct {
	Left int `json:"left"`
	Top  int `json:"top"`
}

// Host creates approval surfaces. Implementations report surface destruction
// by calling Flow.SurfaceClosed with the Handle returned from Spawn.
type Host interface {
	// LastFocused returns the bounds of the most recently focused window, or
	// ok=false if none is known.
	LastFocused(ctx context.Context) (b Bounds, ok bool, err error)
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
}

// center places the surface in the middle of b.
func center(b Bounds) *Point {
	return &Point{
		Left: b.Left + (b.Width-SurfaceWidth)/2,
		Top:  b.Top + (b.Height-SurfaceHeight)/2,
	}
}
