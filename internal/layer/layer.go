// Package layer builds the renderable layers of a view: tiled or flat image
// layers, scale bars, volumes and minimap outlines.
package layer

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/tiling"
)

// Layer is anything a view hands to the rendering stage.
type Layer interface {
	LayerID() string
	LayerType() string
}

// Kind selects how an image layer fetches its pixels.
type Kind int

const (
	// KindPyramidTiled fetches the visible tiles of the level matching the zoom.
	KindPyramidTiled Kind = iota
	// KindFlat fetches one whole level as a single raster.
	KindFlat
)

func (k Kind) String() string {
	if k == KindFlat {
		return "flat"
	}
	return "pyramid-tiled"
}

// MarshalText lets kinds appear by name in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ImageProps are the caller settings of an image layer.
type ImageProps struct {
	Loader      pixel.Loader
	Selection   []pixel.Selection
	Channels    channel.Params
	Colormap    string
	ModelMatrix *mat.Dense
	// MinZoom and MaxZoom narrow the tile zoom range; nil means the pyramid's own.
	MinZoom *int
	MaxZoom *int
	// Level is the source drawn by a flat layer.
	Level int
}

// ImageLayer is an image drawn either as pyramid tiles or as one raster.
type ImageLayer struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Params   channel.Packed `json:"params"`
	Colormap string         `json:"colormap,omitempty"`
	Pyramid  tiling.Pyramid `json:"pyramid"`
	Pass     *Pass          `json:"pass,omitempty"`

	loader    pixel.Loader
	selection []pixel.Selection
	minZoom   int
	maxZoom   int
	level     int
}

// ImageLayerID is the id of the image layer of a view.
func ImageLayerID(loaderType, viewID string) string {
	return fmt.Sprintf("%s-#%s#", loaderType, viewID)
}

// NewImageLayer validates props and packs the channel parameters. Every
// configuration problem is reported here, before any data is requested.
func NewImageLayer(id string, kind Kind, props ImageProps) (*ImageLayer, error) {
	if len(props.Loader) == 0 {
		return nil, fmt.Errorf("%w: image layer %q has no loader", channel.ErrConfiguration, id)
	}
	if len(props.Selection) != props.Channels.Len() {
		return nil, fmt.Errorf("%w (selections=%d channels=%d)",
			channel.ErrChannelCountMismatch, len(props.Selection), props.Channels.Len())
	}
	packed, err := channel.Pack(props.Channels)
	if err != nil {
		return nil, err
	}
	tr, err := geometry.PlanarTransform(props.ModelMatrix)
	if err != nil {
		return nil, err
	}
	base := props.Loader[0]
	width, okX := pixel.AxisSize(base, "x")
	height, okY := pixel.AxisSize(base, "y")
	if !okX || !okY {
		return nil, fmt.Errorf("%w: x/y in %v", geometry.ErrMissingAxis, base.Labels())
	}
	levelSizes := make([][2]int, len(props.Loader))
	for i, src := range props.Loader {
		w, _ := pixel.AxisSize(src, "x")
		h, _ := pixel.AxisSize(src, "y")
		levelSizes[i] = [2]int{w, h}
	}
	if kind == KindFlat {
		if _, err := props.Loader.Level(props.Level); err != nil {
			return nil, fmt.Errorf("%w: %v", channel.ErrConfiguration, err)
		}
	}

	l := &ImageLayer{
		ID:       id,
		Kind:     kind,
		Params:   packed,
		Colormap: props.Colormap,
		Pyramid: tiling.Pyramid{
			Width:      width,
			Height:     height,
			TileSize:   base.TileSize(),
			Levels:     len(props.Loader),
			Transform:  tr,
			LevelSizes: levelSizes,
		},
		loader:    props.Loader,
		selection: props.Selection,
		level:     props.Level,
	}
	l.minZoom, l.maxZoom = l.Pyramid.ZoomRange()
	if props.MinZoom != nil {
		l.minZoom = *props.MinZoom
	}
	if props.MaxZoom != nil {
		l.maxZoom = *props.MaxZoom
	}
	return l, nil
}

func (l *ImageLayer) LayerID() string   { return l.ID }
func (l *ImageLayer) LayerType() string { return "image" }

// Loader returns the pixel source the layer draws.
func (l *ImageLayer) Loader() pixel.Loader { return l.loader }

// Build starts a pass for the viewport on the given assembler and keeps it on
// the layer. The assembler must have been created for the layer's loader.
func (l *ImageLayer) Build(ctx context.Context, vp tiling.Viewport, a *Assembler) *Pass {
	switch l.Kind {
	case KindFlat:
		l.Pass = a.AssembleImage(ctx, l.level, l.Pyramid, l.Params, l.selection)
	default:
		l.Pass = a.Assemble(ctx, Request{
			Coordinates: tiling.TileIndices(vp, l.minZoom, l.maxZoom, l.Pyramid),
			Pyramid:     l.Pyramid,
			Params:      l.Params,
			Selection:   l.selection,
		})
	}
	return l.Pass
}
