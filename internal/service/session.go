package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keller-mark/viv/internal/cache"
	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/render"
	"github.com/keller-mark/viv/internal/view"
	"github.com/keller-mark/viv/pkg/colormap"
)

// View types accepted in a session request.
const (
	ViewTypeDetail   = "detail"
	ViewTypeOverview = "overview"
	ViewTypeVolume   = "volume"
)

// ViewSpec describes one view of a session. Type defaults from the id:
// "overview" and "3d" get their own kinds, everything else is a detail view.
type ViewSpec struct {
	ID               string   `json:"id"`
	Type             string   `json:"type,omitempty"`
	Width            float64  `json:"width,omitempty"`
	Height           float64  `json:"height,omitempty"`
	ZoomBackOff      *float64 `json:"zoomBackOff,omitempty"`
	ScaleBarPosition string   `json:"scaleBarPosition,omitempty"`
	// Position, Scale and Margin apply to overview views.
	Position string  `json:"position,omitempty"`
	Scale    float64 `json:"scale,omitempty"`
	Margin   float64 `json:"margin,omitempty"`
}

func (v ViewSpec) kind() string {
	if v.Type != "" {
		return v.Type
	}
	switch v.ID {
	case view.OverviewID:
		return ViewTypeOverview
	case view.VolumeID:
		return ViewTypeVolume
	default:
		return ViewTypeDetail
	}
}

// SessionRequest is everything a client sets when opening a session.
// Missing channels are derived from the image.
type SessionRequest struct {
	Channels      *channel.Params     `json:"channels,omitempty"`
	Selection     []pixel.Selection   `json:"selection,omitempty"`
	Colormap      string              `json:"colormap,omitempty"`
	Resolution    *int                `json:"resolution,omitempty"`
	ModelMatrix   []float64           `json:"modelMatrix,omitempty"`
	XSlice        *[2]float64         `json:"xSlice,omitempty"`
	YSlice        *[2]float64         `json:"ySlice,omitempty"`
	ZSlice        *[2]float64         `json:"zSlice,omitempty"`
	RenderingMode layer.RenderingMode `json:"renderingMode,omitempty"`
	Views         []ViewSpec          `json:"views,omitempty"`
	ViewStates    []view.State        `json:"viewStates,omitempty"`
}

// Session is one client's composition over a dataset.
type Session struct {
	id         string
	svc        *ViewerService
	props      *view.Props
	compositor *view.Compositor
	log        *logrus.Entry

	// ctx bounds every fetch the session starts; it ends with the session.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	used      time.Time
	revision  uint64
	built     []view.ViewLayers
	builtRev  uint64
	hasBuilds bool
}

func newSession(ctx context.Context, svc *ViewerService, id string, req SessionRequest) (*Session, error) {
	log := svc.log.WithField("session", id)

	props, err := svc.props(ctx, req)
	if err != nil {
		return nil, err
	}
	views, err := svc.views(req.Views)
	if err != nil {
		return nil, err
	}
	comp, err := view.NewCompositor(view.Options{
		Resolver:             svc.resolver,
		MaxConcurrentFetches: svc.viewer.MaxConcurrentFetches,
		Logger:               log,
	}, views...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrConfiguration, err)
	}
	if err := comp.Initialize(props, req.ViewStates); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		svc:        svc,
		props:      props,
		compositor: comp,
		log:        log,
		ctx:        sctx,
		cancel:     cancel,
		used:       time.Now(),
	}, nil
}

// props resolves the request defaults against the dataset.
func (s *ViewerService) props(ctx context.Context, req SessionRequest) (*view.Props, error) {
	p := &view.Props{
		Loader:        s.loader,
		Selection:     req.Selection,
		Colormap:      req.Colormap,
		Resolution:    req.Resolution,
		XSlice:        req.XSlice,
		YSlice:        req.YSlice,
		ZSlice:        req.ZSlice,
		RenderingMode: req.RenderingMode,
	}
	if req.Colormap != "" {
		if _, ok := colormap.ByName(req.Colormap); !ok {
			return nil, fmt.Errorf("%w: unknown colormap %q (have %v)", channel.ErrConfiguration, req.Colormap, colormap.Names())
		}
	}
	if len(req.ModelMatrix) > 0 {
		m, err := geometry.FromColumnMajor(req.ModelMatrix)
		if err != nil {
			return nil, err
		}
		p.ModelMatrix = m
	}
	if req.Resolution != nil && (*req.Resolution < 0 || *req.Resolution >= len(s.loader)) {
		return nil, fmt.Errorf("%w: resolution %d outside 0..%d", channel.ErrConfiguration, *req.Resolution, len(s.loader)-1)
	}

	if req.Channels != nil {
		if err := req.Channels.Validate(); err != nil {
			return nil, err
		}
		p.Channels = *req.Channels
	} else {
		params, err := DefaultChannels(ctx, s.loader)
		if err != nil {
			return nil, err
		}
		p.Channels = params
	}
	if p.Selection == nil {
		p.Selection = DefaultSelection(s.loader, p.Channels.Len())
	}
	return p, nil
}

// views builds the session's views. No specs means a detail view with its
// overview at the configured size.
func (s *ViewerService) views(specs []ViewSpec) ([]view.View, error) {
	if len(specs) == 0 {
		specs = []ViewSpec{{ID: view.DetailID}, {ID: view.OverviewID}}
	}

	var detail *ViewSpec
	for i := range specs {
		if specs[i].Width <= 0 {
			specs[i].Width = s.viewer.DetailWidth
		}
		if specs[i].Height <= 0 {
			specs[i].Height = s.viewer.DetailHeight
		}
		if detail == nil && specs[i].kind() == ViewTypeDetail {
			detail = &specs[i]
		}
	}

	out := make([]view.View, 0, len(specs))
	for _, spec := range specs {
		switch spec.kind() {
		case ViewTypeDetail:
			backOff := s.viewer.ZoomBackOff
			if spec.ZoomBackOff != nil {
				backOff = *spec.ZoomBackOff
			}
			v, err := view.NewDetailView(view.DetailConfig{
				ID:               spec.ID,
				Width:            spec.Width,
				Height:           spec.Height,
				ZoomBackOff:      backOff,
				ScaleBarPosition: spec.ScaleBarPosition,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		case ViewTypeOverview:
			if detail == nil {
				return nil, fmt.Errorf("%w: overview view needs a detail view", channel.ErrConfiguration)
			}
			position := spec.Position
			if position == "" {
				position = s.viewer.OverviewPosition
			}
			scale := spec.Scale
			if scale == 0 {
				scale = s.viewer.OverviewScale
			}
			v, err := view.NewOverviewView(view.OverviewConfig{
				ID:           spec.ID,
				DetailID:     detail.ID,
				DetailWidth:  detail.Width,
				DetailHeight: detail.Height,
				Scale:        scale,
				Margin:       spec.Margin,
				Position:     position,
			}, s.loader)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		case ViewTypeVolume:
			out = append(out, view.NewVolumeView(spec.ID, spec.Width, spec.Height))
		default:
			return nil, fmt.Errorf("%w: unknown view type %q", channel.ErrConfiguration, spec.Type)
		}
	}
	return out, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

func (s *Session) touch() {
	s.mu.Lock()
	s.used = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Session) close() { s.cancel() }

// ViewInfo is a view's placement on the canvas.
type ViewInfo struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// SessionInfo is the client-visible state of a session.
type SessionInfo struct {
	ID       string                 `json:"id"`
	Dataset  string                 `json:"dataset"`
	Views    []ViewInfo             `json:"views"`
	States   map[string]view.State  `json:"states"`
	Status   map[string]view.Status `json:"status"`
	Channels channel.Params         `json:"channels"`
	Packed   channel.Packed         `json:"packed"`
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:       s.id,
		Dataset:  s.svc.datasetID,
		States:   s.compositor.States(),
		Status:   make(map[string]view.Status),
		Channels: s.props.Channels,
	}
	info.Packed, _ = channel.Pack(s.props.Channels)
	for _, v := range s.compositor.Views() {
		x, y := v.Position()
		size := v.Size()
		info.Views = append(info.Views, ViewInfo{ID: v.ID(), X: x, Y: y, Width: size.Width, Height: size.Height})
		info.Status[v.ID()] = s.compositor.Status(v.ID())
	}
	return info
}

// Dispatch routes an update through the compositor and returns the ids of
// the views whose state changed.
func (s *Session) Dispatch(u view.Update) []string {
	changed := s.compositor.Dispatch(u)
	if len(changed) > 0 {
		s.mu.Lock()
		s.revision++
		s.mu.Unlock()
	}
	return changed
}

// build returns the layers for the current states. A build is reused until
// a dispatch changes some state, so repeated reads observe the same passes
// filling in.
func (s *Session) build() []view.ViewLayers {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasBuilds && s.builtRev == s.revision {
		return s.built
	}
	s.built = s.compositor.Build(s.ctx, s.props)
	s.builtRev = s.revision
	s.hasBuilds = true

	for _, vl := range s.built {
		if vl.Err != nil {
			s.log.WithError(vl.Err).WithField("view", vl.ViewID).Warn("View build failed")
		}
	}
	return s.built
}

// Layers describes every view's layers and tile readiness.
func (s *Session) Layers() []ViewDescriptor {
	built := s.build()
	out := make([]ViewDescriptor, 0, len(built))
	for _, vl := range built {
		out = append(out, describeView(vl))
	}
	return out
}

// Preview renders one view to PNG. It waits for the view's data until ctx
// ends; whatever has arrived by then is drawn. Only complete frames are cached.
func (s *Session) Preview(ctx context.Context, viewID string) ([]byte, error) {
	v, ok := s.compositor.View(viewID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
	}

	built := s.build()
	var vl *view.ViewLayers
	for i := range built {
		if built[i].ViewID == viewID {
			vl = &built[i]
		}
	}
	if vl == nil {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
	}
	if vl.Err != nil {
		return nil, vl.Err
	}
	state, _ := s.compositor.State(viewID)

	key := s.previewKey(viewID, state, v.Size())
	if c := s.svc.cache; c != nil {
		if data, ok := c.GetPreview(key); ok {
			return data, nil
		}
	}

	complete := true
	if err := waitLayers(ctx, vl.Layers); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		s.log.WithField("view", viewID).Debug("Rendering preview before all data arrived")
		complete = false
	}
	complete = complete && allReady(vl.Layers)

	size := v.Size()
	data, err := s.svc.renderer.RenderPNG(render.Frame{
		Width:    int(math.Ceil(size.Width)),
		Height:   int(math.Ceil(size.Height)),
		Viewport: state.Viewport(size),
		Layers:   vl.Layers,
	})
	if err != nil {
		return nil, err
	}

	if c := s.svc.cache; c != nil && complete {
		if err := c.SetPreview(key, data); err != nil {
			s.log.WithError(err).Warn("Failed to cache preview")
		}
	}
	return data, nil
}

func waitLayers(ctx context.Context, layers []layer.Layer) error {
	for _, l := range layers {
		switch l := l.(type) {
		case *layer.ImageLayer:
			if l.Pass != nil {
				if err := l.Pass.Wait(ctx); err != nil {
					return err
				}
			}
		case *layer.VolumeLayer:
			if l.Handle != nil {
				if err := l.Handle.Wait(ctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// allReady reports whether every tile and volume arrived without failure.
func allReady(layers []layer.Layer) bool {
	for _, l := range layers {
		switch l := l.(type) {
		case *layer.ImageLayer:
			if l.Pass != nil {
				for _, t := range l.Pass.Tiles {
					if t.Handle.State() != layer.StateReady {
						return false
					}
				}
			}
		case *layer.VolumeLayer:
			if l.Handle != nil && l.Handle.State() != layer.StateReady {
				return false
			}
		}
	}
	return true
}

// previewKey covers everything that changes the pixels of a view.
func (s *Session) previewKey(viewID string, state view.State, size view.Size) string {
	p := s.props
	var slices [3][2]float64
	for i, sl := range []*[2]float64{p.XSlice, p.YSlice, p.ZSlice} {
		if sl != nil {
			slices[i] = *sl
		} else {
			slices[i] = [2]float64{0, 1}
		}
	}
	stateJSON, _ := json.Marshal(state)
	channelsJSON, _ := json.Marshal(p.Channels)
	selJSON, _ := json.Marshal(p.Selection)
	slicesJSON, _ := json.Marshal(slices)
	return cache.PreviewKey(s.svc.datasetID, viewID,
		p.Loader.Fingerprint(),
		string(stateJSON),
		fmt.Sprintf("%gx%g", size.Width, size.Height),
		string(channelsJSON),
		string(selJSON),
		p.Colormap,
		geometry.MatrixKey(p.ModelMatrix),
		fmt.Sprintf("%d", p.VolumeResolution()),
		string(slicesJSON),
		string(p.RenderingMode),
	)
}
