// Package colormap provides named color ramps and the default channel palette.
package colormap

import (
	"image/color"
	"math"
	"sort"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// Linear interpolates evenly spaced color stops.
type Linear struct {
	stops []color.RGBA
}

// NewLinear builds a ramp from at least one stop.
func NewLinear(stops ...color.RGBA) Linear {
	return Linear{stops: stops}
}

// At returns the color at position t (0-1). NaN maps to the first stop.
func (c Linear) At(t float64) color.Color {
	n := len(c.stops)
	if t <= 0 || math.IsNaN(t) || n == 1 {
		return c.stops[0]
	}
	if t >= 1 {
		return c.stops[n-1]
	}
	pos := t * float64(n-1)
	i := int(pos)
	return mix(c.stops[i], c.stops[i+1], pos-float64(i))
}

func mix(a, b color.RGBA, t float64) color.RGBA {
	lerp := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + t*(float64(y)-float64(x))))
	}
	return color.RGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: 255}
}

func rgb(r, g, b uint8) color.RGBA { return color.RGBA{R: r, G: g, B: b, A: 255} }

var (
	Viridis = NewLinear(
		rgb(68, 1, 84), rgb(71, 45, 123), rgb(59, 82, 139),
		rgb(44, 114, 142), rgb(33, 145, 140), rgb(40, 174, 128),
		rgb(94, 201, 98), rgb(173, 220, 48), rgb(253, 231, 37),
	)
	Plasma = NewLinear(
		rgb(13, 8, 135), rgb(84, 2, 163), rgb(139, 10, 165),
		rgb(185, 50, 137), rgb(219, 92, 104), rgb(244, 136, 73),
		rgb(254, 188, 43), rgb(240, 249, 33),
	)
	Inferno = NewLinear(
		rgb(0, 0, 4), rgb(40, 11, 84), rgb(101, 21, 110),
		rgb(159, 42, 99), rgb(212, 72, 66), rgb(245, 125, 21),
		rgb(250, 193, 39), rgb(252, 255, 164),
	)
	Magma = NewLinear(
		rgb(0, 0, 4), rgb(28, 16, 68), rgb(79, 18, 123),
		rgb(129, 37, 129), rgb(181, 54, 122), rgb(229, 80, 100),
		rgb(251, 135, 97), rgb(254, 194, 135), rgb(252, 253, 191),
	)
	Greys = NewLinear(rgb(0, 0, 0), rgb(255, 255, 255))
	Hot   = NewLinear(rgb(0, 0, 0), rgb(230, 0, 0), rgb(255, 210, 0), rgb(255, 255, 255))
	Jet   = NewLinear(
		rgb(0, 0, 131), rgb(0, 60, 170), rgb(5, 255, 255),
		rgb(255, 255, 0), rgb(250, 0, 0), rgb(128, 0, 0),
	)
)

var byName = map[string]Colormap{
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
	"greys":   Greys,
	"hot":     Hot,
	"jet":     Jet,
}

// ByName looks a colormap up by its lower-case name.
func ByName(name string) (Colormap, bool) {
	c, ok := byName[name]
	return c, ok
}

// Names lists the known colormaps, sorted.
func Names() []string {
	out := make([]string, 0, len(byName))
	for k := range byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Palette is the default channel colors in the 0-255 domain: blue, green,
// magenta, yellow, orange, cyan, white, red.
var Palette = [][3]float64{
	{0, 0, 255},
	{0, 255, 0},
	{255, 0, 255},
	{255, 255, 0},
	{255, 128, 0},
	{0, 255, 255},
	{255, 255, 255},
	{255, 0, 0},
}

// ChannelColor returns the palette color of channel i, wrapping around.
func ChannelColor(i int) [3]float64 {
	if i < 0 {
		i = -i
	}
	return Palette[i%len(Palette)]
}
