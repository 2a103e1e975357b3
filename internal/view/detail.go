package view

import (
	"context"
	"fmt"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/layer"
)

// DetailConfig configures the main 2D view.
type DetailConfig struct {
	ID     string
	Width  float64
	Height float64
	// ZoomBackOff zooms the default state out by this many steps from a tight fit.
	ZoomBackOff float64
	// ScaleBarPosition is a corner name; empty means bottom-right.
	ScaleBarPosition string
}

// DetailView shows the image at full detail: pyramid tiles when the loader
// has levels, a single raster otherwise, and a scale bar when the image is
// calibrated along x.
type DetailView struct {
	Base
	zoomBackOff      float64
	scaleBarPosition string
}

// NewDetailView validates cfg. The id defaults to "detail".
func NewDetailView(cfg DetailConfig) (*DetailView, error) {
	if cfg.ID == "" {
		cfg.ID = DetailID
	}
	if cfg.ScaleBarPosition != "" && !layer.ValidPosition(cfg.ScaleBarPosition) {
		return nil, fmt.Errorf("%w: scale bar %q", ErrInvalidPosition, cfg.ScaleBarPosition)
	}
	return &DetailView{
		Base:             NewBase(cfg.ID, 0, 0, cfg.Width, cfg.Height),
		zoomBackOff:      cfg.ZoomBackOff,
		scaleBarPosition: cfg.ScaleBarPosition,
	}, nil
}

func (v *DetailView) DefaultState(b *BuildContext) (State, error) {
	if len(b.Props.Loader) == 0 {
		return State{}, fmt.Errorf("%w: no loader", channel.ErrConfiguration)
	}
	vs, err := geometry.DefaultInitialViewState(b.Props.Loader[0], v.Size(), v.zoomBackOff, false, b.Props.ModelMatrix)
	if err != nil {
		return State{}, err
	}
	return stateFrom(v.id, vs), nil
}

// Filter takes only the target from minimap navigation, so the minimap's
// zoom never leaks into the detail camera.
func (v *DetailView) Filter(u Update, current State) (State, bool) {
	if u.OriginID == OverviewID && u.Navigation != nil && u.Navigation.Target != nil {
		next := current
		next.Target = *u.Navigation.Target
		return next, true
	}
	return v.Base.Filter(u, current)
}

func (v *DetailView) Layers(ctx context.Context, b *BuildContext) ([]layer.Layer, error) {
	p := b.Props
	state, err := b.state(v.id)
	if err != nil {
		return nil, err
	}

	kind := layer.KindFlat
	if p.Loader.IsPyramid() {
		kind = layer.KindPyramidTiled
	}
	img, err := layer.NewImageLayer(layer.ImageLayerID(p.Loader.Type(), v.id), kind, layer.ImageProps{
		Loader:      p.Loader,
		Selection:   p.Selection,
		Channels:    p.Channels,
		Colormap:    p.Colormap,
		ModelMatrix: p.ModelMatrix,
	})
	if err != nil {
		return nil, err
	}
	vp := state.Viewport(v.Size())
	img.Build(ctx, vp, b.Assembler)
	layers := []layer.Layer{img}

	if x, ok := p.Loader.PhysicalSizes()["x"]; ok && x.Unit != "" && x.Value != 0 {
		bar, err := layer.NewScaleBarLayer(layer.ScaleBarID(p.Loader.Type(), v.id), x.Unit, x.Value, v.scaleBarPosition, vp)
		if err != nil {
			return nil, err
		}
		layers = append(layers, bar)
	}
	return layers, nil
}
