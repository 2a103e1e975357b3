// Package pixel defines the loader capability the viewer pulls image data from.
//
// A Source is one resolution level of an image; a Loader is the ordered list
// of levels, index 0 being the highest detail. The viewer never decodes files
// itself: everything it knows about pixels comes through these interfaces.
package pixel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrDataUnavailable marks a tile or raster that could not be produced.
	// It is recoverable: callers surface it as "not ready" for that tile only.
	ErrDataUnavailable = errors.New("pixel data unavailable")

	// ErrNoSource is returned when a Loader has no level for the requested index.
	ErrNoSource = errors.New("no pixel source for level")
)

// Selection picks one plane from the non-spatial axes, e.g. {"c": 1, "t": 0, "z": 12}.
type Selection map[string]int

// String renders the selection with sorted keys so it can be used in cache keys.
func (s Selection) String() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(s[k]))
	}
	return b.String()
}

// With returns a copy of the selection with key set to v.
func (s Selection) With(key string, v int) Selection {
	out := make(Selection, len(s)+1)
	for k, val := range s {
		out[k] = val
	}
	out[key] = v
	return out
}

// PhysicalSize is the calibrated size of one pixel along an axis.
type PhysicalSize struct {
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
}

// Raster holds one plane per selection, all Width*Height long, row-major.
type Raster struct {
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Data   [][]float32 `json:"-"`
}

// TileRequest asks a loader for one tile. Z is the pyramid level (0 = full resolution).
type TileRequest struct {
	X         int
	Y         int
	Z         int
	Selection []Selection
}

// RasterRequest asks a single source for a whole plane per selection.
type RasterRequest struct {
	Selection []Selection
}

// Source is a single resolution level of an image.
type Source interface {
	// Type is a short tag identifying the backing store, used in layer ids.
	Type() string
	Shape() []int
	Labels() []string
	TileSize() int
	// PhysicalSizes is keyed by axis label ("x", "y", "z"). It may be nil.
	PhysicalSizes() map[string]PhysicalSize
	GetTile(ctx context.Context, x, y int, sel []Selection) (*Raster, error)
	GetRaster(ctx context.Context, req RasterRequest) (*Raster, error)
}

// Loader is a multiscale image: one Source per level, finest first.
type Loader []Source

// IsPyramid reports whether the loader has more than one level.
func (l Loader) IsPyramid() bool { return len(l) > 1 }

// Type returns the type tag of the finest level.
func (l Loader) Type() string {
	if len(l) == 0 {
		return ""
	}
	return l[0].Type()
}

// PhysicalSizes returns the calibration of the finest level.
func (l Loader) PhysicalSizes() map[string]PhysicalSize {
	if len(l) == 0 {
		return nil
	}
	return l[0].PhysicalSizes()
}

// Level returns the source for level z.
func (l Loader) Level(z int) (Source, error) {
	if z < 0 || z >= len(l) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrNoSource, z, len(l))
	}
	return l[z], nil
}

// GetTile dispatches a tile request to the level named by req.Z.
func (l Loader) GetTile(ctx context.Context, req TileRequest) (*Raster, error) {
	src, err := l.Level(req.Z)
	if err != nil {
		return nil, err
	}
	return src.GetTile(ctx, req.X, req.Y, req.Selection)
}

// Fingerprint is a value key for the loader: equal loaders produce equal strings.
func (l Loader) Fingerprint() string {
	var b strings.Builder
	for i, src := range l {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%s:%v:%v:%d", src.Type(), src.Shape(), src.Labels(), src.TileSize())
		sizes := src.PhysicalSizes()
		if len(sizes) == 0 {
			continue
		}
		axes := make([]string, 0, len(sizes))
		for k := range sizes {
			axes = append(axes, k)
		}
		sort.Strings(axes)
		for _, a := range axes {
			fmt.Fprintf(&b, ":%s=%g%s", a, sizes[a].Value, sizes[a].Unit)
		}
	}
	return b.String()
}

// AxisSize returns the length of the axis with the given label.
func AxisSize(src Source, label string) (int, bool) {
	labels := src.Labels()
	shape := src.Shape()
	for i, l := range labels {
		if l == label && i < len(shape) {
			return shape[i], true
		}
	}
	return 0, false
}
