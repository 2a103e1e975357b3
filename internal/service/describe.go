package service

import (
	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/tiling"
	"github.com/keller-mark/viv/internal/view"
)

// ViewDescriptor is the client form of one view's build result.
type ViewDescriptor struct {
	ViewID string            `json:"viewId"`
	Error  string            `json:"error,omitempty"`
	Layers []LayerDescriptor `json:"layers,omitempty"`
}

// LayerDescriptor wraps one layer; exactly one of the typed fields is set.
type LayerDescriptor struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Image    *ImageDescriptor     `json:"image,omitempty"`
	ScaleBar *layer.ScaleBarLayer `json:"scaleBar,omitempty"`
	Volume   *VolumeDescriptor    `json:"volume,omitempty"`
	Outline  *layer.OutlineLayer  `json:"outline,omitempty"`
}

// ImageDescriptor is an image layer with the readiness of its current pass.
type ImageDescriptor struct {
	Kind       layer.Kind          `json:"kind"`
	Params     channel.Packed      `json:"params"`
	Colormap   string              `json:"colormap,omitempty"`
	Generation uint64              `json:"generation"`
	Level      int                 `json:"level"`
	Resolved   bool                `json:"resolved"`
	Counts     map[layer.State]int `json:"counts"`
	Tiles      []TileInfo          `json:"tiles"`
}

// TileInfo is one tile's placement and readiness.
type TileInfo struct {
	ID          string             `json:"id"`
	Coordinate  tiling.Coordinate  `json:"coordinate"`
	BoundingBox tiling.BoundingBox `json:"boundingBox"`
	State       layer.State        `json:"state"`
	Error       string             `json:"error,omitempty"`
	Width       int                `json:"width,omitempty"`
	Height      int                `json:"height,omitempty"`
}

// VolumeDescriptor is a volume layer with the readiness of its planes.
type VolumeDescriptor struct {
	*layer.VolumeLayer
	State layer.State `json:"state"`
	Error string      `json:"error,omitempty"`
	Shape [3]int      `json:"shape,omitempty"`
}

func describeView(vl view.ViewLayers) ViewDescriptor {
	d := ViewDescriptor{ViewID: vl.ViewID}
	if vl.Err != nil {
		d.Error = vl.Err.Error()
		return d
	}
	for _, l := range vl.Layers {
		d.Layers = append(d.Layers, describeLayer(l))
	}
	return d
}

func describeLayer(l layer.Layer) LayerDescriptor {
	d := LayerDescriptor{ID: l.LayerID(), Type: l.LayerType()}
	switch l := l.(type) {
	case *layer.ImageLayer:
		img := &ImageDescriptor{Kind: l.Kind, Params: l.Params, Colormap: l.Colormap}
		if p := l.Pass; p != nil {
			img.Generation = p.Generation
			img.Level = p.Level
			img.Resolved = p.Resolved()
			img.Counts = p.Counts()
			img.Tiles = make([]TileInfo, 0, len(p.Tiles))
			for _, t := range p.Tiles {
				info := TileInfo{
					ID:          t.ID,
					Coordinate:  t.Coordinate,
					BoundingBox: t.BoundingBox,
					State:       t.Handle.State(),
				}
				if err := t.Handle.Err(); err != nil {
					info.Error = err.Error()
				}
				if r, ok := t.Handle.Value(); ok {
					info.Width, info.Height = r.Width, r.Height
				}
				img.Tiles = append(img.Tiles, info)
			}
		}
		d.Image = img
	case *layer.ScaleBarLayer:
		d.ScaleBar = l
	case *layer.OutlineLayer:
		d.Outline = l
	case *layer.VolumeLayer:
		vol := &VolumeDescriptor{VolumeLayer: l, State: layer.StatePending}
		if l.Handle != nil {
			vol.State = l.Handle.State()
			if err := l.Handle.Err(); err != nil {
				vol.Error = err.Error()
			}
			if v, ok := l.Handle.Value(); ok {
				vol.Shape = [3]int{v.Width, v.Height, v.Depth}
			}
		}
		d.Volume = vol
	}
	return d
}
