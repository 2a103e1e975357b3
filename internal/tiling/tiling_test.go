package tiling

import (
	"math/rand"
	"testing"
)

func TestSelectZoom(t *testing.T) {
	tests := []struct {
		zoom float64
		want int
	}{
		{zoom: -1.4, want: -1},
		{zoom: -1.5, want: -2}, // tie goes coarser
		{zoom: -1.6, want: -2},
		{zoom: -0.5, want: -1},
		{zoom: 0.5, want: 0},
		{zoom: 3, want: 0},
		{zoom: -12, want: -4},
	}
	for _, tt := range tests {
		if got := SelectZoom(tt.zoom, -4, 0); got != tt.want {
			t.Errorf("SelectZoom(%v) = %d, want %d", tt.zoom, got, tt.want)
		}
	}
}

func TestTileToBoundingBox(t *testing.T) {
	p := Pyramid{Width: 1000, Height: 600, TileSize: 256, Levels: 3}

	t.Run("interior", func(t *testing.T) {
		got := TileToBoundingBox(Coordinate{X: 1, Y: 0, Z: -1}, p)
		want := BoundingBox{West: 512, North: 0, East: 1000, South: 512}
		if got != want {
			t.Fatalf("got %+v want %+v", got, want)
		}
	})

	t.Run("clippedToImage", func(t *testing.T) {
		got := TileToBoundingBox(Coordinate{X: 0, Y: 0, Z: -2}, p)
		want := BoundingBox{West: 0, North: 0, East: 1000, South: 600}
		if got != want {
			t.Fatalf("got %+v want %+v", got, want)
		}
	})

	t.Run("transformed", func(t *testing.T) {
		q := p
		q.Transform = Transform{ScaleX: 0.5, ScaleY: 2, TranslateX: 10, TranslateY: -5}
		got := TileToBoundingBox(Coordinate{X: 1, Y: 1, Z: 0}, q)
		want := BoundingBox{West: 138, North: 507, East: 266, South: 1019}
		if got != want {
			t.Fatalf("got %+v want %+v", got, want)
		}
	})
}

func TestTileIndices_OrderAndLevel(t *testing.T) {
	p := Pyramid{Width: 1024, Height: 1024, TileSize: 256, Levels: 3}
	vp := Viewport{Width: 512, Height: 512, Target: [2]float64{512, 512}, Zoom: -1}

	got := TileIndices(vp, -2, 0, p)
	want := []Coordinate{
		{X: 0, Y: 0, Z: -1}, {X: 0, Y: 1, Z: -1},
		{X: 1, Y: 0, Z: -1}, {X: 1, Y: 1, Z: -1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestTileIndices_EdgeTouchingExcluded(t *testing.T) {
	p := Pyramid{Width: 1024, Height: 1024, TileSize: 256, Levels: 1}
	// Viewport covers exactly tile (1,1) at level 0.
	vp := Viewport{Width: 256, Height: 256, Target: [2]float64{384, 384}, Zoom: 0}

	got := TileIndices(vp, 0, 0, p)
	if len(got) != 1 || got[0] != (Coordinate{X: 1, Y: 1, Z: 0}) {
		t.Fatalf("expected only tile 1/1, got %v", got)
	}
}

func TestTileIndices_Empty(t *testing.T) {
	vp := Viewport{Width: 100, Height: 100, Zoom: 0}

	if got := TileIndices(vp, 0, 0, Pyramid{TileSize: 256, Levels: 1}); len(got) != 0 {
		t.Fatalf("empty image should yield no tiles, got %v", got)
	}

	p := Pyramid{Width: 512, Height: 512, TileSize: 256, Levels: 1}
	far := Viewport{Width: 100, Height: 100, Target: [2]float64{5000, 5000}, Zoom: 0}
	if got := TileIndices(far, 0, 0, p); len(got) != 0 {
		t.Fatalf("viewport outside the image should yield no tiles, got %v", got)
	}
}

// Every returned tile must intersect the viewport and every intersecting tile
// at the selected level must be returned.
func TestTileIndices_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pyramids := []Pyramid{
		{Width: 1000, Height: 700, TileSize: 256, Levels: 4},
		{Width: 333, Height: 4097, TileSize: 128, Levels: 6},
		{Width: 2048, Height: 2048, TileSize: 512, Levels: 3, Transform: Transform{ScaleX: 0.325, ScaleY: 0.325, TranslateX: -12.5, TranslateY: 40}},
		{Width: 777, Height: 555, TileSize: 64, Levels: 2, Transform: Transform{ScaleX: -1, ScaleY: 3}},
	}

	for pi, p := range pyramids {
		minZoom, maxZoom := p.ZoomRange()
		for i := 0; i < 300; i++ {
			vp := Viewport{
				Width:  50 + rng.Float64()*1500,
				Height: 50 + rng.Float64()*1500,
				Zoom:   -7 + rng.Float64()*9,
			}
			wx, wy := p.Transform.Apply(rng.Float64()*float64(p.Width)*1.4-0.2*float64(p.Width), rng.Float64()*float64(p.Height)*1.4-0.2*float64(p.Height))
			vp.Target = [2]float64{wx, wy}

			got := TileIndices(vp, minZoom, maxZoom, p)
			view := vp.Bounds()
			z := SelectZoom(vp.Zoom+p.Transform.zoomOffset(), minZoom, maxZoom)

			seen := make(map[Coordinate]bool, len(got))
			for _, c := range got {
				if c.Z != z {
					t.Fatalf("pyramid %d case %d: tile %v not at selected zoom %d", pi, i, c, z)
				}
				if seen[c] {
					t.Fatalf("pyramid %d case %d: duplicate tile %v", pi, i, c)
				}
				seen[c] = true
				if !TileToBoundingBox(c, p).Bounds().Intersects(view) {
					t.Fatalf("pyramid %d case %d: tile %v does not intersect %+v", pi, i, c, view)
				}
			}

			cols, rows := p.Grid(-z)
			for x := 0; x < cols; x++ {
				for y := 0; y < rows; y++ {
					c := Coordinate{X: x, Y: y, Z: z}
					if TileToBoundingBox(c, p).Bounds().Intersects(view) && !seen[c] {
						t.Fatalf("pyramid %d case %d: visible tile %v missing", pi, i, c)
					}
				}
			}
		}
	}
}

func TestTileIndices_RoundedDownLevel(t *testing.T) {
	p := Pyramid{Width: 9, Height: 4, TileSize: 4, Levels: 2, LevelSizes: [][2]int{{9, 4}, {4, 2}}}
	vp := Viewport{Width: 200, Height: 200, Target: [2]float64{4.5, 2}, Zoom: -1}

	got := TileIndices(vp, -1, 0, p)
	if len(got) != 1 || got[0] != (Coordinate{X: 0, Y: 0, Z: -1}) {
		t.Fatalf("expected only the tile the level holds, got %v", got)
	}
	box := TileToBoundingBox(got[0], p)
	if want := (BoundingBox{West: 0, North: 0, East: 8, South: 4}); box != want {
		t.Errorf("got %+v want %+v", box, want)
	}

	if cols, rows := p.Grid(0); cols != 3 || rows != 1 {
		t.Errorf("level 0 grid: got %dx%d want 3x1", cols, rows)
	}

	// Without per-level sizes the level is assumed rounded up.
	q := p
	q.LevelSizes = nil
	if cols, _ := q.Grid(1); cols != 2 {
		t.Errorf("rounded-up grid: got %d columns want 2", cols)
	}
}
