package layer

import "github.com/keller-mark/viv/internal/tiling"

// DefaultOutlineColor is the minimap frame color.
var DefaultOutlineColor = [3]uint8{255, 0, 0}

// OutlineLayer frames a world rectangle, e.g. the part of the image the
// detail view currently shows, drawn inside a minimap.
type OutlineLayer struct {
	ID        string        `json:"id"`
	Bounds    tiling.Bounds `json:"bounds"`
	Color     [3]uint8      `json:"color"`
	LineWidth float64       `json:"lineWidth"`
}

// NewOutlineLayer frames b with the default color and a 2px line.
func NewOutlineLayer(id string, b tiling.Bounds) *OutlineLayer {
	return &OutlineLayer{ID: id, Bounds: b, Color: DefaultOutlineColor, LineWidth: 2}
}

func (l *OutlineLayer) LayerID() string   { return l.ID }
func (l *OutlineLayer) LayerType() string { return "outline" }
