package layer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/tiling"
)

// DefaultMaxConcurrentFetches bounds loader calls per assembler.
const DefaultMaxConcurrentFetches = 16

// TileHandle is the pending data of one tile.
type TileHandle = Future[*pixel.Raster]

// TileDescriptor is a renderable tile: where it goes, how to color it and the
// handle its pixels arrive on.
type TileDescriptor struct {
	ID          string             `json:"id"`
	Coordinate  tiling.Coordinate  `json:"coordinate"`
	BoundingBox tiling.BoundingBox `json:"boundingBox"`
	Params      channel.Packed     `json:"params"`
	Handle      *TileHandle        `json:"-"`
}

// TileID names a tile after its world box and loader type, e.g.
// "XR-Layer-0-512-512-0-zarr".
func TileID(b tiling.BoundingBox, loaderType string) string {
	parts := []string{"XR-Layer"}
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		parts = append(parts, strconv.FormatFloat(v, 'f', -1, 64))
	}
	parts = append(parts, loaderType)
	return strings.Join(parts, "-")
}

// Pass is one assembly of a layer for one viewport.
type Pass struct {
	Generation uint64           `json:"generation"`
	Level      int              `json:"level"`
	Tiles      []TileDescriptor `json:"tiles"`
}

// Resolved reports whether every tile left the pending state.
func (p *Pass) Resolved() bool {
	for _, t := range p.Tiles {
		if t.Handle.State() == StatePending {
			return false
		}
	}
	return true
}

// Wait blocks until the pass is resolved or ctx ends.
func (p *Pass) Wait(ctx context.Context) error {
	for _, t := range p.Tiles {
		if err := t.Handle.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Ready returns the tiles whose data has arrived.
func (p *Pass) Ready() []TileDescriptor {
	out := make([]TileDescriptor, 0, len(p.Tiles))
	for _, t := range p.Tiles {
		if t.Handle.State() == StateReady {
			out = append(out, t)
		}
	}
	return out
}

// Counts tallies tiles per state.
func (p *Pass) Counts() map[State]int {
	out := make(map[State]int, 4)
	for _, t := range p.Tiles {
		out[t.Handle.State()]++
	}
	return out
}

// Request is everything one pass needs besides the loader.
type Request struct {
	Coordinates []tiling.Coordinate
	Pyramid     tiling.Pyramid
	Params      channel.Packed
	Selection   []pixel.Selection
}

// Assembler turns tile coordinates into descriptors and fetches their pixels
// in the background. One assembler serves one layer; passes are numbered so
// that late tiles of an abandoned level can be told apart.
type Assembler struct {
	loader pixel.Loader
	sem    *semaphore.Weighted
	log    *logrus.Entry

	mu         sync.Mutex
	generation uint64
	level      int
}

// NewAssembler creates an assembler allowing at most maxConcurrent loader
// calls in flight.
func NewAssembler(loader pixel.Loader, maxConcurrent int64, log *logrus.Entry) *Assembler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentFetches
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Assembler{
		loader: loader,
		sem:    semaphore.NewWeighted(maxConcurrent),
		log:    log,
		level:  -1,
	}
}

// Generation is the tag of the most recent pass.
func (a *Assembler) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

func (a *Assembler) begin(level int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.level = level
	return a.generation
}

// stale reports whether a result fetched for (gen, level) was overtaken by a
// newer pass at a different level.
func (a *Assembler) stale(gen uint64, level int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return gen < a.generation && level != a.level
}

// Assemble starts one pass. It returns at once; every descriptor's handle
// settles later. ctx bounds the background fetches.
func (a *Assembler) Assemble(ctx context.Context, req Request) *Pass {
	level := -1
	if len(req.Coordinates) > 0 {
		level = req.Coordinates[0].Level()
	}
	gen := a.begin(level)
	pass := &Pass{Generation: gen, Level: level, Tiles: make([]TileDescriptor, 0, len(req.Coordinates))}
	loaderType := a.loader.Type()

	for _, c := range req.Coordinates {
		bbox := tiling.TileToBoundingBox(c, req.Pyramid)
		d := TileDescriptor{
			ID:          TileID(bbox, loaderType),
			Coordinate:  c,
			BoundingBox: bbox,
			Params:      req.Params,
			Handle:      newFuture[*pixel.Raster](),
		}
		pass.Tiles = append(pass.Tiles, d)

		tr := pixel.TileRequest{X: c.X, Y: c.Y, Z: c.Level(), Selection: req.Selection}
		go a.fetch(ctx, d, gen, c.Level(), func(ctx context.Context) (*pixel.Raster, error) {
			return a.loader.GetTile(ctx, tr)
		})
	}

	a.log.WithFields(logrus.Fields{"pass": gen, "level": level, "tiles": len(pass.Tiles)}).Debug("Tile pass started")
	return pass
}

// AssembleImage starts a pass drawing one whole level as a single tile. It is
// used for non-pyramidal images and for minimaps.
func (a *Assembler) AssembleImage(ctx context.Context, level int, p tiling.Pyramid, params channel.Packed, sel []pixel.Selection) *Pass {
	gen := a.begin(level)
	x1, y1 := p.Transform.Apply(float64(p.Width), float64(p.Height))
	x0, y0 := p.Transform.Apply(0, 0)
	bbox := tiling.BoundingBox{West: x0, North: y0, East: x1, South: y1}
	d := TileDescriptor{
		ID:          TileID(bbox, a.loader.Type()),
		Coordinate:  tiling.Coordinate{Z: -level},
		BoundingBox: bbox,
		Params:      params,
		Handle:      newFuture[*pixel.Raster](),
	}
	pass := &Pass{Generation: gen, Level: level, Tiles: []TileDescriptor{d}}

	go a.fetch(ctx, d, gen, level, func(ctx context.Context) (*pixel.Raster, error) {
		src, err := a.loader.Level(level)
		if err != nil {
			return nil, err
		}
		return src.GetRaster(ctx, pixel.RasterRequest{Selection: sel})
	})
	return pass
}

func (a *Assembler) fetch(ctx context.Context, d TileDescriptor, gen uint64, level int, get func(context.Context) (*pixel.Raster, error)) {
	log := a.log.WithFields(logrus.Fields{"pass": gen, "tile": d.ID})

	if err := a.sem.Acquire(ctx, 1); err != nil {
		d.Handle.settle(StateFailed, nil, fmt.Errorf("%w: %v", pixel.ErrDataUnavailable, err))
		return
	}
	r, err := get(ctx)
	a.sem.Release(1)

	if a.stale(gen, level) {
		log.Debug("Dropping stale tile")
		d.Handle.settle(StateStale, nil, nil)
		return
	}
	if err != nil {
		log.WithError(err).Debug("Tile unavailable")
		if !errors.Is(err, pixel.ErrDataUnavailable) {
			err = fmt.Errorf("%w: %v", pixel.ErrDataUnavailable, err)
		}
		d.Handle.settle(StateFailed, nil, fmt.Errorf("tile %d/%d/%d: %w",
			d.Coordinate.X, d.Coordinate.Y, d.Coordinate.Z, err))
		return
	}
	d.Handle.settle(StateReady, r, nil)
}
