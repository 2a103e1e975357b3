package synthetic

import (
	"context"
	"testing"

	"github.com/keller-mark/viv/internal/pixel"
)

func TestNewLoader(t *testing.T) {
	loader, err := NewLoader(Config{
		Width: 64, Height: 32, Depth: 4, Channels: 2, Levels: 3, TileSize: 16,
		PhysicalSizeX: 0.5, PhysicalSizeZ: 2, Unit: "µm",
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	if len(loader) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(loader))
	}
	if loader.Type() != SourceType {
		t.Errorf("unexpected type %q", loader.Type())
	}
	if w, _ := pixel.AxisSize(loader[2], "x"); w != 16 {
		t.Errorf("level 2 width: got %d want 16", w)
	}
	if d, _ := pixel.AxisSize(loader[2], "z"); d != 4 {
		t.Errorf("z must not be downsampled, got %d", d)
	}
	if z := loader.PhysicalSizes()["z"]; z.Value != 2 || z.Unit != "µm" {
		t.Errorf("unexpected z calibration %+v", z)
	}

	r, err := loader.GetTile(context.Background(), pixel.TileRequest{
		X: 1, Y: 0, Z: 0, Selection: []pixel.Selection{{"c": 0, "z": 2}, {"c": 1, "z": 2}},
	})
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if r.Width != 16 || r.Height != 16 || len(r.Data) != 2 {
		t.Fatalf("unexpected tile %dx%d with %d planes", r.Width, r.Height, len(r.Data))
	}
	for _, v := range r.Data[0] {
		if v < 0 || v > MaxValue {
			t.Fatalf("value %v outside 0..%d", v, MaxValue)
		}
	}
}

func TestNewLoader_Flat(t *testing.T) {
	loader, err := NewLoader(Config{Width: 8, Height: 8, Channels: 1, Levels: 1})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if loader.IsPyramid() {
		t.Errorf("one level is not a pyramid")
	}
	if got := loader[0].Labels(); len(got) != 3 {
		t.Errorf("a single plane has no z axis, got %v", got)
	}
	if loader.PhysicalSizes() != nil {
		t.Errorf("uncalibrated image should have no physical sizes")
	}
}

func TestNewLoader_Invalid(t *testing.T) {
	if _, err := NewLoader(Config{Width: 0, Height: 8, Channels: 1}); err == nil {
		t.Fatal("expected an error for an empty image")
	}
}

func TestPlane_Deterministic(t *testing.T) {
	a := Plane(32, 16, 3, 1, 1)
	b := Plane(32, 16, 3, 1, 1)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("plane differs at %d", i)
		}
	}
	if c := Plane(32, 16, 3, 0, 1); c[0] == a[0] && c[100] == a[100] && c[300] == a[300] {
		t.Errorf("channels should differ")
	}
}
