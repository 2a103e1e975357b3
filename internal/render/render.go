// Package render composites view layers into images on the CPU. It is a
// reference renderer for previews: channel blending follows the packed
// slider and color arrays exactly, without a GPU.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/tiling"
	"github.com/keller-mark/viv/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	// MaxSize bounds both sides of a rendered frame.
	MaxSize int
	// Smooth selects bilinear instead of nearest-neighbour tile scaling.
	Smooth bool
	// Background fills the frame before layers are drawn.
	Background color.Color
}

// Frame is one view to render: its pixel size, camera and layers.
type Frame struct {
	Width    int
	Height   int
	Viewport tiling.Viewport
	Layers   []layer.Layer
}

// Renderer draws frames.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4096
	}
	if cfg.Background == nil {
		cfg.Background = color.Black
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Render draws every layer of f in order. Tiles that are not ready are
// skipped and leave the background showing.
func (r *Renderer) Render(f Frame) (*image.RGBA, error) {
	if f.Width <= 0 || f.Height <= 0 || f.Width > r.config.MaxSize || f.Height > r.config.MaxSize {
		return nil, fmt.Errorf("frame size %dx%d outside 1..%d", f.Width, f.Height, r.config.MaxSize)
	}
	dst := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	dc := gg.NewContextForRGBA(dst)
	dc.SetColor(r.config.Background)
	dc.Clear()

	for _, l := range f.Layers {
		switch l := l.(type) {
		case *layer.ImageLayer:
			r.drawImage(dst, f.Viewport, l)
		case *layer.VolumeLayer:
			r.drawVolume(dst, l)
		case *layer.ScaleBarLayer:
			drawScaleBar(dc, f.Viewport, l)
		case *layer.OutlineLayer:
			drawOutline(dc, f.Viewport, l)
		}
	}
	return dst, nil
}

// RenderPNG renders f and encodes it.
func (r *Renderer) RenderPNG(f Frame) ([]byte, error) {
	img, err := r.Render(f)
	if err != nil {
		return nil, err
	}
	return r.Encode(img)
}

// Encode writes img as a fast-compressed PNG.
func (r *Renderer) Encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy out; the buffer is reused.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func (r *Renderer) scaler() xdraw.Scaler {
	if r.config.Smooth {
		return xdraw.ApproxBiLinear
	}
	return xdraw.NearestNeighbor
}

func (r *Renderer) drawImage(dst *image.RGBA, vp tiling.Viewport, l *layer.ImageLayer) {
	if l.Pass == nil {
		return
	}
	cmap := lookupColormap(l.Colormap)
	for _, t := range l.Pass.Ready() {
		raster, ok := t.Handle.Value()
		if !ok || raster.Width == 0 || raster.Height == 0 {
			continue
		}
		b := t.BoundingBox.Bounds()
		x0, y0 := vp.Project(b.MinX, b.MinY)
		x1, y1 := vp.Project(b.MaxX, b.MaxY)
		dr := image.Rect(int(math.Floor(x0)), int(math.Floor(y0)), int(math.Ceil(x1)), int(math.Ceil(y1)))
		if !dr.Overlaps(dst.Bounds()) {
			continue
		}
		src := Colorize(raster, t.Params, cmap)
		mirror(src, t.BoundingBox.West > t.BoundingBox.East, t.BoundingBox.North > t.BoundingBox.South)
		r.scaler().Scale(dst, dr, src, src.Bounds(), xdraw.Over, nil)
	}
}

// mirror flips img in place. A tile whose box runs east to west or south
// to north comes from a transform with a negative scale on that axis.
func mirror(img *image.RGBA, horizontal, vertical bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if horizontal {
		for y := 0; y < h; y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+w*4]
			for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
				for k := 0; k < 4; k++ {
					row[i*4+k], row[j*4+k] = row[j*4+k], row[i*4+k]
				}
			}
		}
	}
	if vertical {
		tmp := make([]byte, w*4)
		for i, j := 0, h-1; i < j; i, j = i+1, j-1 {
			top := img.Pix[i*img.Stride : i*img.Stride+w*4]
			bottom := img.Pix[j*img.Stride : j*img.Stride+w*4]
			copy(tmp, top)
			copy(top, bottom)
			copy(bottom, tmp)
		}
	}
}

func lookupColormap(name string) colormap.Colormap {
	if name == "" {
		return nil
	}
	c, ok := colormap.ByName(name)
	if !ok {
		return nil
	}
	return c
}

// intensity maps v through slot i's slider window to [0, 1]. A degenerate
// window, the off sentinel among them, maps everything to 0.
func intensity(v float32, p channel.Packed, i int) float64 {
	lo, hi := p.Slider(i)
	if hi <= lo {
		return 0
	}
	t := (float64(v) - lo) / (hi - lo)
	return math.Max(0, math.Min(1, t))
}

// Colorize turns a multi-channel raster into RGBA. Without a colormap the
// channels are blended additively, each tinted by its packed color; with one,
// the summed intensity of the visible channels is looked up in the map.
func Colorize(r *pixel.Raster, p channel.Packed, cmap colormap.Colormap) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	n := min(len(r.Data), channel.MaxChannels)
	for px := 0; px < r.Width*r.Height; px++ {
		var rgb [3]float64
		var sum float64
		for i := 0; i < n; i++ {
			if px >= len(r.Data[i]) {
				continue
			}
			v := intensity(r.Data[i][px], p, i)
			sum += v
			for c := 0; c < 3; c++ {
				rgb[c] += v * p.Colors[i][c]
			}
		}
		o := px * 4
		if cmap != nil {
			cr, cg, cb, _ := cmap.At(math.Min(sum, 1)).RGBA()
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = uint8(cr>>8), uint8(cg>>8), uint8(cb>>8)
		} else {
			img.Pix[o] = toByte(rgb[0])
			img.Pix[o+1] = toByte(rgb[1])
			img.Pix[o+2] = toByte(rgb[2])
		}
		img.Pix[o+3] = 255
	}
	return img
}

func toByte(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

func drawScaleBar(dc *gg.Context, vp tiling.Viewport, l *layer.ScaleBarLayer) {
	bar := l.Bar
	x0, y0 := vp.Project(bar.Start[0], bar.Start[1])
	x1, _ := vp.Project(bar.End[0], bar.End[1])
	h := bar.Height * math.Exp2(vp.Zoom)

	dc.SetRGB(1, 1, 1)
	dc.DrawRectangle(x0, y0-h/2, x1-x0, h)
	dc.Fill()
	// end ticks
	dc.DrawRectangle(x0, y0-2*h, h/2, 3*h)
	dc.DrawRectangle(x1-h/2, y0-2*h, h/2, 3*h)
	dc.Fill()

	lx, ly := vp.Project(bar.LabelAt[0], bar.LabelAt[1])
	dc.DrawStringAnchored(bar.Label, lx, ly, 0.5, 0.5)
}

func drawOutline(dc *gg.Context, vp tiling.Viewport, l *layer.OutlineLayer) {
	x0, y0 := vp.Project(l.Bounds.MinX, l.Bounds.MinY)
	x1, y1 := vp.Project(l.Bounds.MaxX, l.Bounds.MaxY)
	dc.SetRGB255(int(l.Color[0]), int(l.Color[1]), int(l.Color[2]))
	dc.SetLineWidth(l.LineWidth)
	dc.DrawRectangle(x0, y0, x1-x0, y1-y0)
	dc.Stroke()
}
