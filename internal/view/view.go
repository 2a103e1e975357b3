package view

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/layer"
)

// View is one named camera over the image.
type View interface {
	ID() string
	Size() Size
	// Position is the top-left corner of the view on the canvas.
	Position() (float64, float64)
	// DefaultState is used when the caller supplies no state for the view.
	DefaultState(b *BuildContext) (State, error)
	// Filter decides what an update does to this view's state. ok is false
	// when the update is rejected and current stays in place.
	Filter(u Update, current State) (next State, ok bool)
	Layers(ctx context.Context, b *BuildContext) ([]layer.Layer, error)
}

// BuildContext is what the compositor hands a view while building.
type BuildContext struct {
	Props *Props
	// States holds the current state of every initialized view.
	States    map[string]State
	Assembler *layer.Assembler
	Resolver  *geometry.Resolver
	Log       *logrus.Entry
}

func (b *BuildContext) state(id string) (State, error) {
	s, ok := b.States[id]
	if !ok {
		return State{}, fmt.Errorf("view %q has no state", id)
	}
	return s, nil
}

// Base carries the descriptor fields every view shares and the default
// filter: accept updates raised by the view itself, ignore everything else.
type Base struct {
	id     string
	x, y   float64
	width  float64
	height float64
}

// NewBase describes a view at (x, y) of the given size.
func NewBase(id string, x, y, width, height float64) Base {
	return Base{id: id, x: x, y: y, width: width, height: height}
}

func (b Base) ID() string                   { return b.id }
func (b Base) Size() Size                   { return Size{Width: b.width, Height: b.height} }
func (b Base) Position() (float64, float64) { return b.x, b.y }

func (b Base) Filter(u Update, current State) (State, bool) {
	if u.OriginID != b.id {
		return current, false
	}
	next := u.State
	next.ID = b.id
	return next, true
}
