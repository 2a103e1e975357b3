package view

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
)

func planarLoader(t *testing.T, width, height, levels int, sizes map[string]pixel.PhysicalSize) pixel.Loader {
	t.Helper()
	loader, err := pixel.NewMemoryPyramid(pixel.MemoryConfig{
		Labels:        []string{"c", "y", "x"},
		Shape:         []int{1, height, width},
		TileSize:      16,
		PhysicalSizes: sizes,
		Plane: func(pixel.Selection) ([]float32, error) {
			return make([]float32, width*height), nil
		},
	}, levels)
	if err != nil {
		t.Fatalf("NewMemoryPyramid: %v", err)
	}
	return loader
}

func redChannel() channel.Params {
	return channel.Params{
		SliderValues: [][2]float64{{0, 100}},
		ColorValues:  [][3]float64{{255, 0, 0}},
		ChannelIsOn:  []bool{true},
	}
}

func detailView(t *testing.T) *DetailView {
	t.Helper()
	v, err := NewDetailView(DetailConfig{Width: 800, Height: 600})
	if err != nil {
		t.Fatalf("NewDetailView: %v", err)
	}
	return v
}

func TestDetailView_FilterOverviewNavigation(t *testing.T) {
	v := detailView(t)
	current := State{ID: DetailID, Target: [3]float64{9, 9, 9}, Zoom: -2, RotationX: 15, RotationOrbit: 30}

	t.Run("targetOnly", func(t *testing.T) {
		target := [3]float64{1, 2, 3}
		next, ok := v.Filter(Update{
			OriginID:   OverviewID,
			State:      State{ID: OverviewID, Zoom: -7, RotationX: 99},
			Navigation: &Navigation{Target: &target},
		}, current)
		if !ok {
			t.Fatalf("expected the update to be accepted")
		}
		want := current
		want.Target = target
		if next != want {
			t.Fatalf("got %+v want %+v", next, want)
		}
	})

	t.Run("noTarget", func(t *testing.T) {
		for _, nav := range []*Navigation{nil, {}} {
			next, ok := v.Filter(Update{OriginID: OverviewID, State: State{Zoom: 5}, Navigation: nav}, current)
			if ok || next != current {
				t.Fatalf("update without a target must leave the state unchanged, got %+v (ok=%v)", next, ok)
			}
		}
	})

	t.Run("ownOrigin", func(t *testing.T) {
		next, ok := v.Filter(Update{OriginID: DetailID, State: State{Target: [3]float64{4, 5, 0}, Zoom: 1}}, current)
		if !ok || next.Zoom != 1 || next.ID != DetailID {
			t.Fatalf("own update should pass through, got %+v (ok=%v)", next, ok)
		}
	})

	t.Run("otherOrigin", func(t *testing.T) {
		if _, ok := v.Filter(Update{OriginID: VolumeID, State: State{Zoom: 1}}, current); ok {
			t.Fatalf("updates raised by another view should be ignored")
		}
	})
}

func TestOverviewView_Geometry(t *testing.T) {
	loader := planarLoader(t, 100, 50, 3, nil)

	v, err := NewOverviewView(OverviewConfig{DetailWidth: 800, DetailHeight: 600}, loader)
	if err != nil {
		t.Fatalf("NewOverviewView: %v", err)
	}
	size := v.Size()
	if size.Width != 160 || size.Height != 80 {
		t.Fatalf("unexpected size %+v", size)
	}
	if x, y := v.Position(); x != 615 || y != 495 {
		t.Fatalf("unexpected position %v,%v", x, y)
	}
	if math.Abs(v.Scale()-6.4) > 1e-9 {
		t.Fatalf("unexpected scale %v", v.Scale())
	}

	s, _ := v.DefaultState(nil)
	if math.Abs(s.Target[0]-320) > 1e-9 || math.Abs(s.Target[1]-160) > 1e-9 || s.Zoom != -2 {
		t.Fatalf("unexpected fixed state %+v", s)
	}
	if next, ok := v.Filter(Update{OriginID: OverviewID, State: State{Zoom: 3}}, s); ok || next != s {
		t.Fatalf("overview should keep its fixed state, got %+v", next)
	}

	clamped, err := NewOverviewView(OverviewConfig{DetailWidth: 4000, DetailHeight: 3000, Position: layer.TopLeft}, loader)
	if err != nil {
		t.Fatalf("NewOverviewView: %v", err)
	}
	if clamped.Size().Width != 350 {
		t.Fatalf("width should clamp to 350, got %v", clamped.Size().Width)
	}
	if x, y := clamped.Position(); x != 25 || y != 25 {
		t.Fatalf("top-left should sit at the margin, got %v,%v", x, y)
	}

	if _, err := NewOverviewView(OverviewConfig{DetailWidth: 800, DetailHeight: 600, Position: "center"}, loader); !errors.Is(err, channel.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func newCompositor(t *testing.T, views ...View) *Compositor {
	t.Helper()
	r, err := geometry.NewResolver(16)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	c, err := NewCompositor(Options{Resolver: r, MaxConcurrentFetches: 4}, views...)
	if err != nil {
		t.Fatalf("NewCompositor: %v", err)
	}
	return c
}

func TestCompositor_Lifecycle(t *testing.T) {
	loader := planarLoader(t, 100, 50, 3, nil)
	props := &Props{Loader: loader, Selection: []pixel.Selection{{"c": 0}}, Channels: redChannel()}
	detail := detailView(t)
	overview, err := NewOverviewView(OverviewConfig{DetailWidth: 800, DetailHeight: 600}, loader)
	if err != nil {
		t.Fatalf("NewOverviewView: %v", err)
	}
	c := newCompositor(t, detail, overview)

	if c.Status(DetailID) != Uninitialized {
		t.Fatalf("views start uninitialized")
	}
	explicit := State{ID: DetailID, Target: [3]float64{10, 10, 0}, Zoom: 2}
	if err := c.Initialize(props, []State{explicit}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s, _ := c.State(DetailID); s != explicit {
		t.Fatalf("explicit state should win, got %+v", s)
	}
	if c.Status(OverviewID) != Initialized {
		t.Fatalf("overview should be initialized, got %v", c.Status(OverviewID))
	}

	target := [3]float64{1, 2, 3}
	changed := c.Dispatch(Update{OriginID: OverviewID, Navigation: &Navigation{Target: &target}})
	if len(changed) != 1 || changed[0] != DetailID {
		t.Fatalf("only detail should change, got %v", changed)
	}
	s, _ := c.State(DetailID)
	if s.Target != target || s.Zoom != 2 {
		t.Fatalf("unexpected detail state %+v", s)
	}
	if c.Status(DetailID) != Updated {
		t.Fatalf("detail should be updated, got %v", c.Status(DetailID))
	}

	if err := c.SetViews(detail); err != nil {
		t.Fatalf("SetViews: %v", err)
	}
	if _, ok := c.States()[OverviewID]; ok {
		t.Fatalf("removed view state should be dropped")
	}
	if c.Status(DetailID) != Updated {
		t.Fatalf("kept view should keep its state")
	}

	if err := c.SetViews(detail, detail); err == nil {
		t.Fatalf("duplicate ids should be rejected")
	}
}

func TestCompositor_BuildDetail(t *testing.T) {
	loader := planarLoader(t, 100, 50, 3, map[string]pixel.PhysicalSize{"x": {Unit: "µm", Value: 0.25}})
	props := &Props{Loader: loader, Selection: []pixel.Selection{{"c": 0}}, Channels: redChannel()}
	overview, err := NewOverviewView(OverviewConfig{DetailWidth: 800, DetailHeight: 600}, loader)
	if err != nil {
		t.Fatalf("NewOverviewView: %v", err)
	}
	c := newCompositor(t, detailView(t), overview)

	out := c.Build(context.Background(), props)
	if len(out) != 2 {
		t.Fatalf("expected two views, got %d", len(out))
	}
	detail := out[0]
	if detail.Err != nil {
		t.Fatalf("detail: %v", detail.Err)
	}
	if len(detail.Layers) != 2 {
		t.Fatalf("expected image + scale bar, got %d layers", len(detail.Layers))
	}
	img, ok := detail.Layers[0].(*layer.ImageLayer)
	if !ok || img.Kind != layer.KindPyramidTiled || img.ID != "memory-#detail#" {
		t.Fatalf("unexpected image layer %#v", detail.Layers[0])
	}
	if img.Pass == nil || len(img.Pass.Tiles) == 0 {
		t.Fatalf("detail pass should have tiles")
	}
	if err := img.Pass.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, ok := detail.Layers[1].(*layer.ScaleBarLayer); !ok {
		t.Fatalf("expected a scale bar, got %T", detail.Layers[1])
	}

	ov := out[1]
	if ov.Err != nil {
		t.Fatalf("overview: %v", ov.Err)
	}
	outline, ok := ov.Layers[1].(*layer.OutlineLayer)
	if !ok {
		t.Fatalf("expected an outline, got %T", ov.Layers[1])
	}
	ds, _ := c.State(DetailID)
	want := ds.Viewport(Size{Width: 800, Height: 600}).Bounds()
	if math.Abs(outline.Bounds.MaxX-want.MaxX*overview.Scale()) > 1e-9 {
		t.Fatalf("outline should frame the scaled detail bounds, got %+v", outline.Bounds)
	}
	ovImg := ov.Layers[0].(*layer.ImageLayer)
	if ovImg.Pass.Level != 2 {
		t.Fatalf("overview should draw the coarsest level, got %d", ovImg.Pass.Level)
	}
}

func TestCompositor_FlatAndPerViewFailure(t *testing.T) {
	loader := planarLoader(t, 40, 40, 1, nil)
	props := &Props{Loader: loader, Selection: []pixel.Selection{{"c": 0}}, Channels: redChannel()}
	c := newCompositor(t, detailView(t), NewVolumeView("", 400, 400))

	out := c.Build(context.Background(), props)
	if out[0].Err != nil {
		t.Fatalf("detail should build: %v", out[0].Err)
	}
	if img := out[0].Layers[0].(*layer.ImageLayer); img.Kind != layer.KindFlat {
		t.Fatalf("single-level loader should give a flat layer, got %v", img.Kind)
	}
	if len(out[0].Layers) != 1 {
		t.Fatalf("uncalibrated image should have no scale bar")
	}
	if !errors.Is(out[1].Err, geometry.ErrMissingAxis) {
		t.Fatalf("volume view without z should fail with a geometry error, got %v", out[1].Err)
	}
	if c.Status(VolumeID) != Uninitialized {
		t.Fatalf("failed view should stay uninitialized")
	}
}

func TestCompositor_ConfigurationErrorFailsView(t *testing.T) {
	loader := planarLoader(t, 40, 40, 2, nil)
	props := &Props{
		Loader:    loader,
		Selection: []pixel.Selection{{"c": 0}},
		Channels: channel.Params{
			SliderValues: [][2]float64{{0, 1}},
			ColorValues:  [][3]float64{{1, 1, 1}, {2, 2, 2}},
			ChannelIsOn:  []bool{true},
		},
	}
	c := newCompositor(t, detailView(t))
	out := c.Build(context.Background(), props)
	if !errors.Is(out[0].Err, channel.ErrChannelCountMismatch) || out[0].Layers != nil {
		t.Fatalf("expected a channel count mismatch and no layers, got %+v", out[0])
	}
}

func TestVolumeView_ExplicitStateWins(t *testing.T) {
	src, err := pixel.NewMemorySource(pixel.MemoryConfig{
		Labels: []string{"z", "y", "x"},
		Shape:  []int{40, 100, 100},
		Plane:  func(pixel.Selection) ([]float32, error) { return make([]float32, 100*100), nil },
	})
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	props := &Props{Loader: pixel.Loader{src, src}, Selection: []pixel.Selection{{"z": 0}}, Channels: redChannel()}

	c := newCompositor(t, NewVolumeView("", 800, 600))
	if err := c.Initialize(props, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	s, _ := c.State(VolumeID)
	// default resolution is the coarsest: depth 40 / 2 = 20, centred at 10.
	if s.Target != [3]float64{50, 50, 10} {
		t.Fatalf("unexpected computed target %v", s.Target)
	}

	explicit := State{ID: VolumeID, Target: [3]float64{1, 1, 1}, Zoom: 4}
	c2 := newCompositor(t, NewVolumeView("", 800, 600))
	if err := c2.Initialize(props, []State{explicit}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got, _ := c2.State(VolumeID); got != explicit {
		t.Fatalf("explicit state should win, got %+v", got)
	}

	out := c.Build(context.Background(), props)
	if out[0].Err != nil {
		t.Fatalf("Build: %v", out[0].Err)
	}
	vol := out[0].Layers[0].(*layer.VolumeLayer)
	if vol.Resolution != 1 || vol.RenderingMode != layer.Additive {
		t.Fatalf("unexpected volume layer %+v", vol)
	}
}

func TestVolumeView_ReusesLayerAcrossCameraMoves(t *testing.T) {
	var planes atomic.Int64
	src, err := pixel.NewMemorySource(pixel.MemoryConfig{
		Labels: []string{"z", "y", "x"},
		Shape:  []int{4, 8, 8},
		Plane: func(pixel.Selection) ([]float32, error) {
			planes.Add(1)
			return make([]float32, 8*8), nil
		},
	})
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	props := &Props{Loader: pixel.Loader{src}, Selection: []pixel.Selection{{"z": 0}}, Channels: redChannel()}
	c := newCompositor(t, detailView(t), NewVolumeView("", 800, 600))

	build := func() *layer.VolumeLayer {
		t.Helper()
		out := c.Build(context.Background(), props)
		if out[1].Err != nil {
			t.Fatalf("Build: %v", out[1].Err)
		}
		vol := out[1].Layers[0].(*layer.VolumeLayer)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := vol.Handle.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		return vol
	}

	first := build()
	loaded := planes.Load()
	if loaded == 0 {
		t.Fatal("expected the volume to read planes")
	}

	for _, origin := range []string{DetailID, VolumeID} {
		if changed := c.Dispatch(Update{OriginID: origin, State: State{ID: origin, Target: [3]float64{3, 3, 1}, Zoom: 1}}); len(changed) == 0 {
			t.Fatalf("dispatch from %s changed nothing", origin)
		}
		if again := build(); again != first {
			t.Errorf("camera move from %s replaced the volume layer", origin)
		}
	}
	if got := planes.Load(); got != loaded {
		t.Errorf("camera moves read %d more planes", got-loaded)
	}

	props.Channels.SliderValues = [][2]float64{{0, 50}}
	if next := build(); next == first {
		t.Error("a slider change must produce a new volume layer")
	}
	if got := planes.Load(); got != 2*loaded {
		t.Errorf("expected one reload (%d planes), read %d", 2*loaded, got)
	}
}
