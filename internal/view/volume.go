package view

import (
	"context"
	"fmt"
	"sync"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/layer"
)

// VolumeView renders the z-stack in 3D. Its default camera comes from the
// memoized volume geometry; an explicit caller state always wins.
// The volume layer is kept across builds until one of its inputs changes,
// so camera moves in any view do not reload the z-stack.
type VolumeView struct {
	Base

	mu      sync.Mutex
	lastKey string
	last    *layer.VolumeLayer
}

// NewVolumeView creates the "3d" view unless id is given.
func NewVolumeView(id string, width, height float64) *VolumeView {
	if id == "" {
		id = VolumeID
	}
	return &VolumeView{Base: NewBase(id, 0, 0, width, height)}
}

func (v *VolumeView) DefaultState(b *BuildContext) (State, error) {
	if len(b.Props.Loader) == 0 {
		return State{}, fmt.Errorf("%w: no loader", channel.ErrConfiguration)
	}
	res := b.Props.VolumeResolution()
	var (
		vs  geometry.ViewState
		err error
	)
	if b.Resolver != nil {
		vs, err = b.Resolver.VolumeViewState(b.Props.Loader, res, b.Props.ModelMatrix, v.Size())
	} else {
		vs, err = geometry.VolumeViewState(b.Props.Loader, res, b.Props.ModelMatrix, v.Size())
	}
	if err != nil {
		return State{}, err
	}
	return stateFrom(v.id, vs), nil
}

func (v *VolumeView) Layers(ctx context.Context, b *BuildContext) ([]layer.Layer, error) {
	p := b.Props
	vol, err := layer.NewVolumeLayer(layer.VolumeLayerID(p.Loader.Type(), v.id), layer.VolumeProps{
		Loader:        p.Loader,
		Selection:     p.Selection,
		Channels:      p.Channels,
		Colormap:      p.Colormap,
		Resolution:    p.VolumeResolution(),
		ModelMatrix:   p.ModelMatrix,
		XSlice:        p.XSlice,
		YSlice:        p.YSlice,
		ZSlice:        p.ZSlice,
		RenderingMode: p.RenderingMode,
	})
	if err != nil {
		return nil, err
	}

	key := volumeKey(p, vol)
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last != nil && v.lastKey == key && v.last.Handle.State() != layer.StateFailed {
		return []layer.Layer{v.last}, nil
	}
	vol.Load(ctx, b.Log)
	v.last, v.lastKey = vol, key
	return []layer.Layer{vol}, nil
}

// volumeKey identifies everything a volume layer's pixels and uniforms
// depend on. The view state is not part of it.
func volumeKey(p *Props, vol *layer.VolumeLayer) string {
	return fmt.Sprintf("%s|%s|%v|%v|%s|%d|%v|%v|%v|%v|%s",
		vol.ID, p.Loader.Fingerprint(), p.Selection, vol.Params, vol.Colormap, vol.Resolution,
		vol.ModelMatrix, vol.XSlice, vol.YSlice, vol.ZSlice, vol.RenderingMode)
}
