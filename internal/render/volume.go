package render

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
)

// Project collapses the sliced part of a volume along z into one raster per
// channel using the layer's rendering mode.
func Project(v *layer.Volume, mode layer.RenderingMode, xs, ys, zs [2]float64) [][]float32 {
	x0, x1 := sliceRange(xs, v.Width)
	y0, y1 := sliceRange(ys, v.Height)
	z0, z1 := sliceRange(zs, v.Depth)
	plane := v.Width * v.Height

	out := make([][]float32, len(v.Data))
	for c, data := range v.Data {
		proj := make([]float32, plane)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				i := y*v.Width + x
				acc := float32(math.NaN())
				for z := z0; z < z1; z++ {
					val := data[z*plane+i]
					switch {
					case math.IsNaN(float64(acc)):
						acc = val
					case mode == layer.MaxIntensityProjection:
						acc = max(acc, val)
					case mode == layer.MinIntensityProjection:
						acc = min(acc, val)
					default:
						acc += val
					}
				}
				if !math.IsNaN(float64(acc)) {
					proj[i] = acc
				}
			}
		}
		out[c] = proj
	}
	return out
}

// sliceRange turns a 0-1 interval into index bounds on an axis of length n.
func sliceRange(s [2]float64, n int) (int, int) {
	lo := int(math.Floor(math.Max(0, math.Min(s[0], s[1])) * float64(n)))
	hi := int(math.Ceil(math.Min(1, math.Max(s[0], s[1])) * float64(n)))
	return max(0, min(lo, n)), max(0, min(hi, n))
}

// drawVolume draws the projected volume centred in dst, fitted to its size.
// The camera's rotation is not applied.
func (r *Renderer) drawVolume(dst *image.RGBA, l *layer.VolumeLayer) {
	if l.Handle == nil {
		return
	}
	v, ok := l.Handle.Value()
	if !ok || v.Width == 0 || v.Height == 0 {
		return
	}
	proj := Project(v, l.RenderingMode, l.XSlice, l.YSlice, l.ZSlice)
	src := Colorize(&pixel.Raster{Width: v.Width, Height: v.Height, Data: proj}, l.Params, lookupColormap(l.Colormap))

	b := dst.Bounds()
	fit := math.Min(float64(b.Dx())/float64(v.Width), float64(b.Dy())/float64(v.Height))
	w, h := int(float64(v.Width)*fit), int(float64(v.Height)*fit)
	ox, oy := (b.Dx()-w)/2, (b.Dy()-h)/2
	r.scaler().Scale(dst, image.Rect(ox, oy, ox+w, oy+h), src, src.Bounds(), xdraw.Over, nil)
}
