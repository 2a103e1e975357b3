package view

import (
	"context"
	"fmt"
	"math"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/tiling"
)

// ErrInvalidPosition is returned for an unknown corner name.
var ErrInvalidPosition = fmt.Errorf("%w: position must be one of bottom-right, top-right, top-left, bottom-left", channel.ErrConfiguration)

// OverviewConfig configures the minimap. Zero fields take the defaults
// noted on each one.
type OverviewConfig struct {
	ID            string  // "overview"
	DetailID      string  // "detail"
	DetailWidth   float64 // required
	DetailHeight  float64 // required
	Scale         float64 // 0.2 of the detail size
	Margin        float64 // 25
	Position      string  // bottom-right
	MinimumWidth  float64 // 150
	MaximumWidth  float64 // 350
	MinimumHeight float64 // 150
	MaximumHeight float64 // 350
}

func (c *OverviewConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = OverviewID
	}
	if c.DetailID == "" {
		c.DetailID = DetailID
	}
	if c.Scale == 0 {
		c.Scale = 0.2
	}
	if c.Margin == 0 {
		c.Margin = 25
	}
	if c.Position == "" {
		c.Position = layer.BottomRight
	}
	if c.MinimumWidth == 0 {
		c.MinimumWidth = 150
	}
	if c.MaximumWidth == 0 {
		c.MaximumWidth = 350
	}
	if c.MinimumHeight == 0 {
		c.MinimumHeight = 150
	}
	if c.MaximumHeight == 0 {
		c.MaximumHeight = 350
	}
}

// OverviewView is a minimap of the whole image laid over a corner of the
// detail view, with a frame showing what the detail view sees. Its camera is
// fixed.
type OverviewView struct {
	Base
	detailID    string
	detailSize  Size
	levels      int
	imageWidth  float64
	imageHeight float64
	// scale maps level-0 pixels to minimap world units.
	scale float64
}

// NewOverviewView sizes the minimap for the loader's image.
func NewOverviewView(cfg OverviewConfig, loader pixel.Loader) (*OverviewView, error) {
	cfg.applyDefaults()
	if len(loader) == 0 {
		return nil, fmt.Errorf("%w: overview needs a loader", channel.ErrConfiguration)
	}
	if !layer.ValidPosition(cfg.Position) {
		return nil, fmt.Errorf("%w: overview %q", ErrInvalidPosition, cfg.Position)
	}
	w, okX := pixel.AxisSize(loader[0], "x")
	h, okY := pixel.AxisSize(loader[0], "y")
	if !okX || !okY {
		return nil, fmt.Errorf("%w: x/y in %v", geometry.ErrMissingAxis, loader[0].Labels())
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", geometry.ErrGeometry, w, h)
	}

	v := &OverviewView{
		detailID:    cfg.DetailID,
		detailSize:  Size{Width: cfg.DetailWidth, Height: cfg.DetailHeight},
		levels:      len(loader),
		imageWidth:  float64(w),
		imageHeight: float64(h),
	}
	top := math.Exp2(float64(v.levels - 1))
	var width, height float64
	if w > h {
		width = math.Min(cfg.MaximumWidth, math.Max(cfg.DetailWidth*cfg.Scale, cfg.MinimumWidth))
		height = width * v.imageHeight / v.imageWidth
		v.scale = top / v.imageWidth * width
	} else {
		height = math.Min(cfg.MaximumHeight, math.Max(cfg.DetailHeight*cfg.Scale, cfg.MinimumHeight))
		width = height * v.imageWidth / v.imageHeight
		v.scale = top / v.imageHeight * height
	}

	var x, y float64
	switch cfg.Position {
	case layer.BottomRight:
		x, y = cfg.DetailWidth-width-cfg.Margin, cfg.DetailHeight-height-cfg.Margin
	case layer.TopRight:
		x, y = cfg.DetailWidth-width-cfg.Margin, cfg.Margin
	case layer.TopLeft:
		x, y = cfg.Margin, cfg.Margin
	case layer.BottomLeft:
		x, y = cfg.Margin, cfg.DetailHeight-height-cfg.Margin
	}
	v.Base = NewBase(cfg.ID, x, y, width, height)
	return v, nil
}

// Scale is the factor from level-0 pixels to minimap world units.
func (v *OverviewView) Scale() float64 { return v.scale }

func (v *OverviewView) fixedState() State {
	return State{
		ID:     v.id,
		Target: [3]float64{v.imageWidth * v.scale / 2, v.imageHeight * v.scale / 2, 0},
		Zoom:   -float64(v.levels - 1),
	}
}

func (v *OverviewView) DefaultState(*BuildContext) (State, error) {
	return v.fixedState(), nil
}

// Filter ignores the update and re-derives the fixed camera.
func (v *OverviewView) Filter(_ Update, current State) (State, bool) {
	next := v.fixedState()
	return next, next != current
}

func (v *OverviewView) Layers(ctx context.Context, b *BuildContext) ([]layer.Layer, error) {
	p := b.Props
	state, err := b.state(v.id)
	if err != nil {
		return nil, err
	}
	detail, err := b.state(v.detailID)
	if err != nil {
		return nil, fmt.Errorf("overview requires a %q view state: %w", v.detailID, err)
	}

	coarsest := -(v.levels - 1)
	kind := layer.KindFlat
	if p.Loader.IsPyramid() {
		kind = layer.KindPyramidTiled
	}
	img, err := layer.NewImageLayer(layer.ImageLayerID(p.Loader.Type(), v.id), kind, layer.ImageProps{
		Loader:      p.Loader,
		Selection:   p.Selection,
		Channels:    p.Channels,
		Colormap:    p.Colormap,
		ModelMatrix: geometry.Scale(v.scale, v.scale, 1),
		MinZoom:     &coarsest,
		MaxZoom:     &coarsest,
		Level:       v.levels - 1,
	})
	if err != nil {
		return nil, err
	}
	img.Build(ctx, state.Viewport(v.Size()), b.Assembler)

	box := detail.Viewport(v.detailSize).Bounds()
	box = tiling.Bounds{
		MinX: box.MinX * v.scale,
		MinY: box.MinY * v.scale,
		MaxX: box.MaxX * v.scale,
		MaxY: box.MaxY * v.scale,
	}
	outline := layer.NewOutlineLayer(fmt.Sprintf("outline-#%s#", v.id), box)
	return []layer.Layer{img, outline}, nil
}
