// Package zarr reads multiscale OME-Zarr (v3) images as pixel loaders.
package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/keller-mark/viv/internal/pixel"
)

// SourceType tags tiles served from a zarr store.
const SourceType = "zarr"

var defaultLabels = []string{"t", "c", "z", "y", "x"}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Options configures a Store.
type Options struct {
	// ChunkCacheBytes bounds the decoded chunk cache. Zero means 256MB.
	ChunkCacheBytes int64
	Log             *logrus.Entry
}

// Store is an opened OME-Zarr image. Decoded chunks are shared by all levels
// through one cache, and concurrent reads of the same chunk are collapsed.
type Store struct {
	root    string
	decoder *zstd.Decoder
	chunks  *ristretto.Cache[string, []float32]
	flight  singleflight.Group
	log     *logrus.Entry
	levels  []*source
}

// Open reads the group metadata at root and every level it lists.
func Open(root string, opts Options) (*Store, error) {
	if opts.ChunkCacheBytes <= 0 {
		opts.ChunkCacheBytes = 256 << 20
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	group, err := loadGroupMeta(root)
	if err != nil {
		return nil, err
	}
	ms, err := group.multiscale()
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	chunks, err := ristretto.NewCache[string, []float32](&ristretto.Config[string, []float32]{
		NumCounters: 100_000,
		MaxCost:     opts.ChunkCacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	s := &Store{
		root:    root,
		decoder: decoder,
		chunks:  chunks,
		log:     opts.Log.WithField("store", filepath.Base(root)),
	}
	sizes := physicalSizes(ms.Axes, ms.Datasets[0].Scale())
	for i, ds := range ms.Datasets {
		src, err := s.openLevel(ds.Path, ms.Axes, sizes)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("level %d (%s): %w", i, ds.Path, err)
		}
		s.levels = append(s.levels, src)
	}

	s.log.WithFields(logrus.Fields{
		"levels": len(s.levels),
		"shape":  s.levels[0].meta.Shape,
		"labels": s.levels[0].labels,
	}).Info("opened zarr image")
	return s, nil
}

func (s *Store) openLevel(path string, axes []Axis, sizes map[string]pixel.PhysicalSize) (*source, error) {
	arrayPath := filepath.Join(s.root, filepath.FromSlash(path))
	meta, err := loadArrayMeta(arrayPath)
	if err != nil {
		return nil, err
	}
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes", "zstd", "gzip", "crc32c":
		default:
			return nil, fmt.Errorf("unsupported codec %q", c.Name)
		}
	}

	labels := make([]string, len(meta.Shape))
	if len(axes) == len(meta.Shape) {
		for i, a := range axes {
			labels[i] = strings.ToLower(a.Name)
		}
	} else if len(meta.Shape) <= len(defaultLabels) {
		copy(labels, defaultLabels[len(defaultLabels)-len(meta.Shape):])
	} else {
		return nil, fmt.Errorf("cannot label %d dimensions", len(meta.Shape))
	}

	src := &source{store: s, path: arrayPath, meta: meta, labels: labels, sizes: sizes, xDim: -1, yDim: -1}
	for d, l := range labels {
		switch l {
		case "x":
			src.xDim = d
		case "y":
			src.yDim = d
		}
	}
	if src.xDim < 0 || src.yDim < 0 {
		return nil, fmt.Errorf("image has no x/y axes: %v", labels)
	}
	return src, nil
}

// Loader returns the levels as a pixel loader, finest first.
func (s *Store) Loader() pixel.Loader {
	out := make(pixel.Loader, len(s.levels))
	for i, l := range s.levels {
		out[i] = l
	}
	return out
}

// Close releases the decoder and the chunk cache.
func (s *Store) Close() {
	if s.decoder != nil {
		s.decoder.Close()
	}
	if s.chunks != nil {
		s.chunks.Close()
	}
}

// chunk returns the decoded samples of one chunk. Missing chunks are fill.
func (s *Store) chunk(ctx context.Context, src *source, indices []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := src.path + "#" + src.meta.chunkKey(indices)
	if v, ok := s.chunks.Get(key); ok {
		return v, nil
	}

	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		data, err := s.readChunk(src, indices)
		if err != nil {
			return nil, err
		}
		s.chunks.Set(key, data, int64(len(data))*4)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (s *Store) readChunk(src *source, indices []int) ([]float32, error) {
	meta := src.meta
	raw, err := os.ReadFile(filepath.Join(src.path, filepath.FromSlash(meta.chunkKey(indices))))
	if errors.Is(err, fs.ErrNotExist) {
		fill := make([]float32, meta.chunkLen())
		if v := meta.fill(); v != 0 {
			for i := range fill {
				fill[i] = v
			}
		}
		return fill, nil
	}
	if err != nil {
		return nil, err
	}

	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		switch meta.Codecs[i].Name {
		case "zstd":
			if raw, err = s.decoder.DecodeAll(raw, nil); err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(raw))
			if err != nil {
				return nil, fmt.Errorf("gzip header: %w", err)
			}
			raw, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		case "crc32c":
			if len(raw) < 4 {
				return nil, fmt.Errorf("chunk too short for checksum")
			}
			body, sum := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
			if crc32.Checksum(body, castagnoli) != sum {
				return nil, fmt.Errorf("chunk %v: checksum mismatch", indices)
			}
			raw = body
		}
	}

	values, err := decodeValues(raw, meta.DataType, meta.byteOrder())
	if err != nil {
		return nil, err
	}
	if len(values) != meta.chunkLen() {
		return nil, fmt.Errorf("chunk %v has %d values, want %d", indices, len(values), meta.chunkLen())
	}
	return values, nil
}

// source is one resolution level.
type source struct {
	store  *Store
	path   string
	meta   *ArrayMeta
	labels []string
	sizes  map[string]pixel.PhysicalSize
	xDim   int
	yDim   int
}

func (s *source) Type() string                                 { return SourceType }
func (s *source) Shape() []int                                 { return s.meta.Shape }
func (s *source) Labels() []string                             { return s.labels }
func (s *source) PhysicalSizes() map[string]pixel.PhysicalSize { return s.sizes }

// TileSize is the chunk width; tiles map one-to-one onto chunk columns.
func (s *source) TileSize() int { return s.meta.ChunkGrid.Configuration.ChunkShape[s.xDim] }

func (s *source) width() int  { return s.meta.Shape[s.xDim] }
func (s *source) height() int { return s.meta.Shape[s.yDim] }

// GetTile reads tile (x, y) for every selection. Edge tiles are short.
func (s *source) GetTile(ctx context.Context, x, y int, sel []pixel.Selection) (*pixel.Raster, error) {
	ts := s.TileSize()
	x0, y0 := x*ts, y*ts
	if x < 0 || y < 0 || x0 >= s.width() || y0 >= s.height() {
		return nil, fmt.Errorf("%w: tile %d/%d outside %dx%d", pixel.ErrDataUnavailable, x, y, s.width(), s.height())
	}
	w := min(ts, s.width()-x0)
	h := min(ts, s.height()-y0)
	return s.read(ctx, sel, x0, y0, w, h)
}

// GetRaster reads whole planes.
func (s *source) GetRaster(ctx context.Context, req pixel.RasterRequest) (*pixel.Raster, error) {
	return s.read(ctx, req.Selection, 0, 0, s.width(), s.height())
}

func (s *source) read(ctx context.Context, sel []pixel.Selection, x0, y0, w, h int) (*pixel.Raster, error) {
	out := &pixel.Raster{Width: w, Height: h, Data: make([][]float32, len(sel))}
	for i, one := range sel {
		plane, err := s.region(ctx, one, x0, y0, w, h)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", pixel.ErrDataUnavailable, one, err)
		}
		out.Data[i] = plane
	}
	return out, nil
}

// region copies the w*h window at (x0, y0) of the plane picked by sel.
// Axes missing from sel read index 0.
func (s *source) region(ctx context.Context, sel pixel.Selection, x0, y0, w, h int) ([]float32, error) {
	shape := s.meta.Shape
	cs := s.meta.ChunkGrid.Configuration.ChunkShape
	ndim := len(shape)

	strides := make([]int, ndim)
	strides[ndim-1] = 1
	for d := ndim - 2; d >= 0; d-- {
		strides[d] = strides[d+1] * cs[d+1]
	}

	ci := make([]int, ndim)
	fixed := 0
	for d, label := range s.labels {
		if d == s.xDim || d == s.yDim {
			continue
		}
		v := sel[label]
		if v < 0 || v >= shape[d] {
			return nil, fmt.Errorf("index %s=%d outside 0..%d", label, v, shape[d]-1)
		}
		ci[d] = v / cs[d]
		fixed += (v - ci[d]*cs[d]) * strides[d]
	}

	cw, ch := cs[s.xDim], cs[s.yDim]
	out := make([]float32, w*h)
	for cy := y0 / ch; cy*ch < y0+h; cy++ {
		for cx := x0 / cw; cx*cw < x0+w; cx++ {
			ci[s.yDim], ci[s.xDim] = cy, cx
			chunk, err := s.store.chunk(ctx, s, ci)
			if err != nil {
				return nil, err
			}
			gy0, gy1 := max(y0, cy*ch), min(y0+h, (cy+1)*ch)
			gx0, gx1 := max(x0, cx*cw), min(x0+w, (cx+1)*cw)
			for gy := gy0; gy < gy1; gy++ {
				row := fixed + (gy-cy*ch)*strides[s.yDim]
				for gx := gx0; gx < gx1; gx++ {
					out[(gy-y0)*w+gx-x0] = chunk[row+(gx-cx*cw)*strides[s.xDim]]
				}
			}
		}
	}
	return out, nil
}
