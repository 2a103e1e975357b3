// Package tiling decides which pyramid tiles cover a viewport and where each
// tile lands in world space.
//
// World units are level-0 image pixels pushed through the pyramid's
// axis-aligned Transform. Image y grows downward, so a tile's North edge has
// the smaller y. Tile z is the negated pyramid level: z = 0 is full
// resolution and z = -(levels-1) is the coarsest level.
package tiling

import (
	"math"
)

// Coordinate identifies one tile in one pyramid level.
type Coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Level is the pyramid level the coordinate refers to.
func (c Coordinate) Level() int { return -c.Z }

// BoundingBox is a tile's placement in world units.
type BoundingBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Bounds normalizes the box to min/max form.
func (b BoundingBox) Bounds() Bounds {
	return Bounds{
		MinX: math.Min(b.West, b.East),
		MinY: math.Min(b.North, b.South),
		MaxX: math.Max(b.West, b.East),
		MaxY: math.Max(b.North, b.South),
	}
}

// Bounds is an axis-aligned world rectangle with Min <= Max.
type Bounds struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Intersects reports whether the open interiors of b and o overlap.
// Rectangles sharing only an edge do not intersect.
func (b Bounds) Intersects(o Bounds) bool {
	return b.MinX < o.MaxX && b.MaxX > o.MinX && b.MinY < o.MaxY && b.MaxY > o.MinY
}

// Contains reports whether the point lies inside b, edges included.
func (b Bounds) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Transform maps level-0 pixel coordinates to world coordinates.
// The zero value is treated as the identity.
type Transform struct {
	ScaleX     float64 `json:"scaleX"`
	ScaleY     float64 `json:"scaleY"`
	TranslateX float64 `json:"translateX"`
	TranslateY float64 `json:"translateY"`
}

// Identity returns the identity transform.
func Identity() Transform { return Transform{ScaleX: 1, ScaleY: 1} }

func (t Transform) normalized() Transform {
	if t.ScaleX == 0 && t.ScaleY == 0 {
		return Transform{ScaleX: 1, ScaleY: 1, TranslateX: t.TranslateX, TranslateY: t.TranslateY}
	}
	return t
}

// Apply maps a pixel point to world space.
func (t Transform) Apply(x, y float64) (float64, float64) {
	t = t.normalized()
	return x*t.ScaleX + t.TranslateX, y*t.ScaleY + t.TranslateY
}

// Invert maps a world point back to pixel space.
func (t Transform) Invert(x, y float64) (float64, float64) {
	t = t.normalized()
	return (x - t.TranslateX) / t.ScaleX, (y - t.TranslateY) / t.ScaleY
}

// InvertBounds maps world bounds to pixel bounds.
func (t Transform) InvertBounds(b Bounds) Bounds {
	x0, y0 := t.Invert(b.MinX, b.MinY)
	x1, y1 := t.Invert(b.MaxX, b.MaxY)
	return Bounds{
		MinX: math.Min(x0, x1),
		MinY: math.Min(y0, y1),
		MaxX: math.Max(x0, x1),
		MaxY: math.Max(y0, y1),
	}
}

// zoomOffset is how many zoom steps the transform adds to screen density.
func (t Transform) zoomOffset() float64 {
	t = t.normalized()
	return math.Log2(math.Max(math.Abs(t.ScaleX), math.Abs(t.ScaleY)))
}

// Viewport is an orthographic camera: Target is the world point at the
// screen centre and 2^Zoom is screen pixels per world unit.
type Viewport struct {
	Width  float64    `json:"width"`
	Height float64    `json:"height"`
	Target [2]float64 `json:"target"`
	Zoom   float64    `json:"zoom"`
}

// Bounds returns the world rectangle visible in the viewport.
func (v Viewport) Bounds() Bounds {
	scale := math.Exp2(v.Zoom)
	hw := v.Width / 2 / scale
	hh := v.Height / 2 / scale
	return Bounds{
		MinX: v.Target[0] - hw,
		MinY: v.Target[1] - hh,
		MaxX: v.Target[0] + hw,
		MaxY: v.Target[1] + hh,
	}
}

// Project maps a world point to screen pixels.
func (v Viewport) Project(x, y float64) (float64, float64) {
	scale := math.Exp2(v.Zoom)
	return (x-v.Target[0])*scale + v.Width/2, (y-v.Target[1])*scale + v.Height/2
}

// Pyramid is the tiling metadata of a multiscale image.
type Pyramid struct {
	// Width and Height are the level-0 image size in pixels.
	Width  int `json:"width"`
	Height int `json:"height"`
	// TileSize is the edge length of a tile in pixels at its own level.
	TileSize  int       `json:"tileSize"`
	Levels    int       `json:"levels"`
	Transform Transform `json:"transform"`
	// LevelSizes holds each level's own width and height in pixels. Levels
	// missing from it are assumed to be the level-0 size halved and rounded up.
	LevelSizes [][2]int `json:"levelSizes,omitempty"`
}

// ZoomRange is the [minZoom, maxZoom] covering every level.
func (p Pyramid) ZoomRange() (int, int) {
	if p.Levels <= 1 {
		return 0, 0
	}
	return -(p.Levels - 1), 0
}

// tileExtent is a tile's edge in level-0 pixels.
func (p Pyramid) tileExtent(level int) float64 {
	return float64(p.TileSize) * math.Exp2(float64(level))
}

// LevelSize returns the size of a level in its own pixels.
func (p Pyramid) LevelSize(level int) (int, int) {
	if level >= 0 && level < len(p.LevelSizes) {
		return p.LevelSizes[level][0], p.LevelSizes[level][1]
	}
	div := math.Exp2(float64(level))
	return int(math.Ceil(float64(p.Width) / div)), int(math.Ceil(float64(p.Height) / div))
}

// levelExtent is the part of the level-0 image a level covers, in level-0
// pixels. Levels rounded down on downsampling stop short of the full width.
func (p Pyramid) levelExtent(level int) (float64, float64) {
	w, h := p.LevelSize(level)
	scale := math.Exp2(float64(level))
	return math.Min(float64(w)*scale, float64(p.Width)), math.Min(float64(h)*scale, float64(p.Height))
}

// Grid returns the number of tile columns and rows at a level.
func (p Pyramid) Grid(level int) (int, int) {
	if p.Width <= 0 || p.Height <= 0 || p.TileSize <= 0 || level < 0 {
		return 0, 0
	}
	w, h := p.LevelSize(level)
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	return (w + p.TileSize - 1) / p.TileSize, (h + p.TileSize - 1) / p.TileSize
}

// SelectZoom picks the tile zoom for a viewport zoom: the nearest integer,
// ties going to the coarser (smaller) zoom, clamped to [minZoom, maxZoom].
func SelectZoom(viewZoom float64, minZoom, maxZoom int) int {
	z := math.Ceil(viewZoom - 0.5)
	switch {
	case math.IsNaN(z) || z < float64(minZoom):
		return minZoom
	case z > float64(maxZoom):
		return maxZoom
	}
	return int(z)
}

// TileToBoundingBox places a tile in world space. Edge tiles are clipped to
// the extent of the tile's level.
func TileToBoundingBox(c Coordinate, p Pyramid) BoundingBox {
	size := p.tileExtent(c.Level())
	extentX, extentY := p.levelExtent(c.Level())
	x0 := float64(c.X) * size
	y0 := float64(c.Y) * size
	x1 := math.Min(x0+size, extentX)
	y1 := math.Min(y0+size, extentY)

	west, north := p.Transform.Apply(x0, y0)
	east, south := p.Transform.Apply(x1, y1)
	return BoundingBox{West: west, South: south, East: east, North: north}
}

// TileIndices returns the tiles intersecting the viewport at the level
// chosen for its zoom, x-major then y, ascending.
//
// Candidates are found in pixel space through the inverse transform and then
// kept only if TileToBoundingBox intersects the viewport, so the two
// functions always agree on which tiles are visible.
func TileIndices(vp Viewport, minZoom, maxZoom int, p Pyramid) []Coordinate {
	if p.Width <= 0 || p.Height <= 0 || p.TileSize <= 0 {
		return nil
	}
	if p.Levels > 0 {
		lo, hi := p.ZoomRange()
		minZoom = max(minZoom, lo)
		maxZoom = min(maxZoom, hi)
		if minZoom > maxZoom {
			minZoom = maxZoom
		}
	}
	z := SelectZoom(vp.Zoom+p.Transform.zoomOffset(), minZoom, maxZoom)
	level := -z
	cols, rows := p.Grid(level)
	if cols == 0 || rows == 0 {
		return nil
	}

	view := vp.Bounds()
	px := p.Transform.InvertBounds(view)
	if !finite(px.MinX, px.MinY, px.MaxX, px.MaxY) {
		return nil
	}

	size := p.tileExtent(level)
	minX := clampIndex(math.Floor(px.MinX/size)-1, cols-1)
	maxX := clampIndex(math.Ceil(px.MaxX/size), cols-1)
	minY := clampIndex(math.Floor(px.MinY/size)-1, rows-1)
	maxY := clampIndex(math.Ceil(px.MaxY/size), rows-1)

	out := make([]Coordinate, 0, (maxX-minX+1)*(maxY-minY+1))
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			c := Coordinate{X: x, Y: y, Z: z}
			if TileToBoundingBox(c, p).Bounds().Intersects(view) {
				out = append(out, c)
			}
		}
	}
	return out
}

// clampIndex clamps in float space first so huge viewports never overflow int.
func clampIndex(v float64, hi int) int {
	if v < 0 {
		return 0
	}
	if v > float64(hi) {
		return hi
	}
	return int(v)
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
