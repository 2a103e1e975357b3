package pixel

import (
	"context"
	"errors"
	"fmt"
)

// PlaneFunc returns one full-resolution plane (width*height, row-major) for a selection.
type PlaneFunc func(sel Selection) ([]float32, error)

// MemoryConfig describes an in-memory source.
type MemoryConfig struct {
	Type          string
	Labels        []string
	Shape         []int
	TileSize      int
	PhysicalSizes map[string]PhysicalSize
	Plane         PlaneFunc
}

// MemorySource serves planes produced by a PlaneFunc. It backs tests and
// synthetic datasets.
type MemorySource struct {
	cfg    MemoryConfig
	width  int
	height int
}

// NewMemorySource validates cfg and returns a source.
func NewMemorySource(cfg MemoryConfig) (*MemorySource, error) {
	if len(cfg.Labels) != len(cfg.Shape) {
		return nil, fmt.Errorf("labels (%d) and shape (%d) differ in length", len(cfg.Labels), len(cfg.Shape))
	}
	if cfg.Plane == nil {
		return nil, errors.New("memory source needs a plane function")
	}
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	s := &MemorySource{cfg: cfg}
	var ok bool
	if s.width, ok = AxisSize(s, "x"); !ok {
		return nil, errors.New("memory source has no x axis")
	}
	if s.height, ok = AxisSize(s, "y"); !ok {
		return nil, errors.New("memory source has no y axis")
	}
	return s, nil
}

func (s *MemorySource) Type() string                           { return s.cfg.Type }
func (s *MemorySource) Shape() []int                           { return s.cfg.Shape }
func (s *MemorySource) Labels() []string                       { return s.cfg.Labels }
func (s *MemorySource) TileSize() int                          { return s.cfg.TileSize }
func (s *MemorySource) PhysicalSizes() map[string]PhysicalSize { return s.cfg.PhysicalSizes }

func (s *MemorySource) plane(sel Selection) ([]float32, error) {
	p, err := s.cfg.Plane(sel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if len(p) != s.width*s.height {
		return nil, fmt.Errorf("%w: plane has %d values, want %d", ErrDataUnavailable, len(p), s.width*s.height)
	}
	return p, nil
}

// GetRaster returns the whole plane for every selection.
func (s *MemorySource) GetRaster(ctx context.Context, req RasterRequest) (*Raster, error) {
	out := &Raster{Width: s.width, Height: s.height, Data: make([][]float32, len(req.Selection))}
	for i, sel := range req.Selection {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.plane(sel)
		if err != nil {
			return nil, err
		}
		out.Data[i] = append([]float32(nil), p...)
	}
	return out, nil
}

// GetTile crops tile (x, y) out of every selected plane. Edge tiles are short.
func (s *MemorySource) GetTile(ctx context.Context, x, y int, sel []Selection) (*Raster, error) {
	ts := s.cfg.TileSize
	x0, y0 := x*ts, y*ts
	if x < 0 || y < 0 || x0 >= s.width || y0 >= s.height {
		return nil, fmt.Errorf("%w: tile %d/%d outside %dx%d", ErrDataUnavailable, x, y, s.width, s.height)
	}
	w := min(ts, s.width-x0)
	h := min(ts, s.height-y0)

	out := &Raster{Width: w, Height: h, Data: make([][]float32, len(sel))}
	for i, one := range sel {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.plane(one)
		if err != nil {
			return nil, err
		}
		tile := make([]float32, w*h)
		for row := 0; row < h; row++ {
			src := (y0+row)*s.width + x0
			copy(tile[row*w:(row+1)*w], p[src:src+w])
		}
		out.Data[i] = tile
	}
	return out, nil
}

// NewMemoryPyramid builds a Loader with the given number of levels from a
// full-resolution config. Level i halves x and y i times (ceil) and averages
// the covered block of level-0 pixels.
func NewMemoryPyramid(cfg MemoryConfig, levels int) (Loader, error) {
	if levels < 1 {
		levels = 1
	}
	base, err := NewMemorySource(cfg)
	if err != nil {
		return nil, err
	}
	loader := Loader{base}
	for lvl := 1; lvl < levels; lvl++ {
		factor := 1 << lvl
		w := (base.width + factor - 1) / factor
		h := (base.height + factor - 1) / factor
		shape := append([]int(nil), cfg.Shape...)
		for i, l := range cfg.Labels {
			switch l {
			case "x":
				shape[i] = w
			case "y":
				shape[i] = h
			}
		}
		lc := cfg
		lc.Shape = shape
		lc.Plane = downsampled(base, factor, w, h)
		src, err := NewMemorySource(lc)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", lvl, err)
		}
		loader = append(loader, src)
	}
	return loader, nil
}

func downsampled(base *MemorySource, factor, w, h int) PlaneFunc {
	return func(sel Selection) ([]float32, error) {
		full, err := base.cfg.Plane(sel)
		if err != nil {
			return nil, err
		}
		out := make([]float32, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var sum float64
				n := 0
				for dy := 0; dy < factor; dy++ {
					sy := y*factor + dy
					if sy >= base.height {
						break
					}
					for dx := 0; dx < factor; dx++ {
						sx := x*factor + dx
						if sx >= base.width {
							break
						}
						sum += float64(full[sy*base.width+sx])
						n++
					}
				}
				if n > 0 {
					out[y*w+x] = float32(sum / float64(n))
				}
			}
		}
		return out, nil
	}
}
