package layer

import (
	"fmt"
	"math"
	"strconv"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/tiling"
)

// Corner positions shared by scale bars and minimaps.
const (
	BottomRight = "bottom-right"
	TopRight    = "top-right"
	TopLeft     = "top-left"
	BottomLeft  = "bottom-left"
)

// DefaultScaleBarLength is the inset of the bar from its corner, as a fraction of the view.
const DefaultScaleBarLength = 0.085

// ValidPosition reports whether pos names a corner.
func ValidPosition(pos string) bool {
	switch pos {
	case BottomRight, TopRight, TopLeft, BottomLeft:
		return true
	}
	return false
}

// ScaleBarLayer draws a bar of known physical length over a view.
type ScaleBarLayer struct {
	ID       string          `json:"id"`
	Unit     string          `json:"unit"`
	Size     float64         `json:"size"`
	Position string          `json:"position"`
	Length   float64         `json:"length"`
	Viewport tiling.Viewport `json:"viewport"`
	Bar      ScaleBar        `json:"bar"`
}

// ScaleBar is the bar geometry in world units.
type ScaleBar struct {
	Start     [2]float64 `json:"start"`
	End       [2]float64 `json:"end"`
	Height    float64    `json:"height"`
	Label     string     `json:"label"`
	LabelAt   [2]float64 `json:"labelAt"`
	NumUnits  float64    `json:"numUnits"`
	BarLength float64    `json:"barLength"`
}

// ScaleBarID is the id of a view's scale bar.
func ScaleBarID(loaderType, viewID string) string {
	return fmt.Sprintf("scalebar-%s-#%s#", loaderType, viewID)
}

// NewScaleBarLayer lays out a scale bar for the viewport. size is the
// physical size of one world unit in unit.
func NewScaleBarLayer(id, unit string, size float64, position string, vp tiling.Viewport) (*ScaleBarLayer, error) {
	if position == "" {
		position = BottomRight
	}
	if !ValidPosition(position) {
		return nil, fmt.Errorf("%w: scale bar position %q", channel.ErrConfiguration, position)
	}
	l := &ScaleBarLayer{
		ID:       id,
		Unit:     unit,
		Size:     size,
		Position: position,
		Length:   DefaultScaleBarLength,
		Viewport: vp,
	}
	l.Bar = l.layout()
	return l, nil
}

func (l *ScaleBarLayer) LayerID() string   { return l.ID }
func (l *ScaleBarLayer) LayerType() string { return "scalebar" }

func (l *ScaleBarLayer) layout() ScaleBar {
	b := l.Viewport.Bounds()
	viewWidth := b.MaxX - b.MinX
	viewHeight := b.MaxY - b.MinY

	barLength := viewWidth * 0.05
	barHeight := math.Max(math.Exp2(-l.Viewport.Zoom+1.5), viewHeight*0.007)

	var x, y float64
	switch l.Position {
	case TopRight:
		x, y = b.MaxX-viewWidth*l.Length, b.MinY+viewHeight*l.Length
	case TopLeft:
		x, y = b.MinX+viewWidth*l.Length, b.MinY+viewHeight*l.Length
	case BottomLeft:
		x, y = b.MinX+viewWidth*l.Length, b.MaxY-viewHeight*l.Length
	default:
		x, y = b.MaxX-viewWidth*l.Length, b.MaxY-viewHeight*l.Length
	}

	numUnits := barLength * l.Size
	return ScaleBar{
		Start:     [2]float64{x, y},
		End:       [2]float64{x + barLength, y},
		Height:    barHeight,
		Label:     toPrecision(numUnits, 5) + l.Unit,
		LabelAt:   [2]float64{x + barLength/2, y + barHeight*4},
		NumUnits:  numUnits,
		BarLength: barLength,
	}
}

// toPrecision formats v with the given number of significant digits,
// keeping trailing zeros ("12.500").
func toPrecision(v float64, digits int) string {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', digits-1, 64)
	}
	exp := int(math.Floor(math.Log10(math.Abs(v))))
	if exp < -6 || exp >= digits {
		return strconv.FormatFloat(v, 'e', digits-1, 64)
	}
	return strconv.FormatFloat(v, 'f', digits-1-exp, 64)
}
