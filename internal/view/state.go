// Package view composes named cameras ("detail", "overview", "3d") over one
// image. Each view owns how its layers are built and which state updates it
// accepts; state only changes through the Compositor.
package view

import (
	"gonum.org/v1/gonum/mat"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/tiling"
)

// Well-known view ids.
const (
	DetailID   = "detail"
	OverviewID = "overview"
	VolumeID   = "3d"
)

// Size is a view's on-screen size in pixels.
type Size = geometry.ScreenSize

// State is the camera of one view.
type State struct {
	ID            string     `json:"id"`
	Target        [3]float64 `json:"target"`
	Zoom          float64    `json:"zoom"`
	RotationX     float64    `json:"rotationX"`
	RotationOrbit float64    `json:"rotationOrbit"`
}

// Viewport is the 2D camera of s for a view of the given size.
func (s State) Viewport(size Size) tiling.Viewport {
	return tiling.Viewport{
		Width:  size.Width,
		Height: size.Height,
		Target: [2]float64{s.Target[0], s.Target[1]},
		Zoom:   s.Zoom,
	}
}

func stateFrom(id string, vs geometry.ViewState) State {
	return State{
		ID:            id,
		Target:        vs.Target,
		Zoom:          vs.Zoom,
		RotationX:     vs.RotationX,
		RotationOrbit: vs.RotationOrbit,
	}
}

// Navigation is the interaction detail that came with an update.
type Navigation struct {
	Target *[3]float64 `json:"target,omitempty"`
}

// Update is a proposed state change raised by one view.
type Update struct {
	OriginID   string      `json:"origin"`
	State      State       `json:"state"`
	Navigation *Navigation `json:"navigation,omitempty"`
}

// Status is where a view is in its lifecycle.
type Status int

const (
	Uninitialized Status = iota
	Initialized
	Updated
)

func (s Status) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Updated:
		return "updated"
	default:
		return "uninitialized"
	}
}

// MarshalText lets statuses appear by name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Props are the image and channel settings shared by every view.
type Props struct {
	Loader      pixel.Loader
	Selection   []pixel.Selection
	Channels    channel.Params
	Colormap    string
	ModelMatrix *mat.Dense

	// Resolution is the volume level; nil means the coarsest.
	Resolution    *int
	XSlice        *[2]float64
	YSlice        *[2]float64
	ZSlice        *[2]float64
	RenderingMode layer.RenderingMode
}

// VolumeResolution resolves the Resolution default.
func (p *Props) VolumeResolution() int {
	if p.Resolution != nil {
		return *p.Resolution
	}
	return len(p.Loader) - 1
}
