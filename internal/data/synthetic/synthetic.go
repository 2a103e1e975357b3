// Package synthetic generates deterministic multichannel test images, served
// through the in-memory pixel source when no image store is configured.
package synthetic

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/keller-mark/viv/internal/pixel"
)

// SourceType tags tiles served from a synthetic image.
const SourceType = "synthetic"

// MaxValue is the brightest sample the generator produces.
const MaxValue = 1000

// Config sizes the generated image.
type Config struct {
	Width         int
	Height        int
	Depth         int
	Channels      int
	Levels        int
	TileSize      int
	PhysicalSizeX float64
	PhysicalSizeZ float64
	Unit          string
	// CachedPlanes bounds how many full-resolution planes stay in memory.
	CachedPlanes int
}

// NewLoader builds a pyramid of cfg.Levels levels. The image has a z axis
// when Depth > 1 and physical sizes when PhysicalSizeX and Unit are set.
func NewLoader(cfg Config) (pixel.Loader, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("synthetic image needs a positive size, got %dx%d with %d channels",
			cfg.Width, cfg.Height, cfg.Channels)
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 1
	}
	if cfg.CachedPlanes <= 0 {
		cfg.CachedPlanes = 32
	}

	planes, err := lru.New[string, []float32](cfg.CachedPlanes)
	if err != nil {
		return nil, err
	}

	labels := []string{"c", "y", "x"}
	shape := []int{cfg.Channels, cfg.Height, cfg.Width}
	if cfg.Depth > 1 {
		labels = []string{"c", "z", "y", "x"}
		shape = []int{cfg.Channels, cfg.Depth, cfg.Height, cfg.Width}
	}

	var sizes map[string]pixel.PhysicalSize
	if cfg.PhysicalSizeX > 0 && cfg.Unit != "" {
		sizes = map[string]pixel.PhysicalSize{
			"x": {Unit: cfg.Unit, Value: cfg.PhysicalSizeX},
			"y": {Unit: cfg.Unit, Value: cfg.PhysicalSizeX},
		}
		if cfg.Depth > 1 && cfg.PhysicalSizeZ > 0 {
			sizes["z"] = pixel.PhysicalSize{Unit: cfg.Unit, Value: cfg.PhysicalSizeZ}
		}
	}

	return pixel.NewMemoryPyramid(pixel.MemoryConfig{
		Type:          SourceType,
		Labels:        labels,
		Shape:         shape,
		TileSize:      cfg.TileSize,
		PhysicalSizes: sizes,
		Plane: func(sel pixel.Selection) ([]float32, error) {
			key := sel.String()
			if p, ok := planes.Get(key); ok {
				return p, nil
			}
			c, z := sel["c"], sel["z"]
			if c < 0 || c >= cfg.Channels || z < 0 || z >= cfg.Depth {
				return nil, fmt.Errorf("selection %s outside the image", key)
			}
			p := Plane(cfg.Width, cfg.Height, cfg.Depth, c, z)
			planes.Add(key, p)
			return p, nil
		},
	}, cfg.Levels)
}

// Plane renders channel c at depth z: a few soft blobs whose layout depends
// on the channel, brightest in the middle of the stack, over a faint texture.
func Plane(width, height, depth, c, z int) []float32 {
	type blob struct{ x, y, r float64 }
	blobs := make([]blob, 3)
	short := math.Min(float64(width), float64(height))
	for i := range blobs {
		seed := float64(c*3 + i + 1)
		blobs[i] = blob{
			x: float64(width) * (0.15 + 0.7*frac(seed*0.618034)),
			y: float64(height) * (0.15 + 0.7*frac(seed*0.381966)),
			r: short * (0.08 + 0.04*float64(i)),
		}
	}

	zGain := 1.0
	if depth > 1 {
		d := (float64(z) - float64(depth-1)/2) / (float64(depth) / 3)
		zGain = math.Exp(-d * d)
	}

	out := make([]float32, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			fx, fy := float64(x), float64(y)
			v := 0.05 * (1 + math.Sin(fx*0.05+float64(c))*math.Cos(fy*0.05))
			for _, b := range blobs {
				dx, dy := (fx-b.x)/b.r, (fy-b.y)/b.r
				v += zGain * math.Exp(-(dx*dx + dy*dy))
			}
			out[y*width+x] = float32(math.Min(1, v) * MaxValue)
		}
	}
	return out
}

func frac(v float64) float64 { return v - math.Floor(v) }
