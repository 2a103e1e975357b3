package service

import (
	"context"
	"fmt"
	"math"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/pkg/colormap"
)

// DefaultSelection picks one plane per channel: channel i, the middle z
// plane, and index 0 of every other non-spatial axis.
func DefaultSelection(loader pixel.Loader, n int) []pixel.Selection {
	if len(loader) == 0 {
		return nil
	}
	base := loader[0]
	shape := base.Shape()
	out := make([]pixel.Selection, n)
	for i := range out {
		sel := pixel.Selection{}
		for d, label := range base.Labels() {
			switch label {
			case "x", "y":
			case "c":
				sel["c"] = i
			case "z":
				sel["z"] = shape[d] / 2
			default:
				sel[label] = 0
			}
		}
		out[i] = sel
	}
	return out
}

// DefaultChannels derives channel settings from the image: up to
// channel.MaxChannels channels, all on, colored from the default palette,
// with slider ranges spanning each channel's values at the coarsest level.
func DefaultChannels(ctx context.Context, loader pixel.Loader) (channel.Params, error) {
	if len(loader) == 0 {
		return channel.Params{}, fmt.Errorf("%w: no loader", channel.ErrConfiguration)
	}
	n := 1
	if c, ok := pixel.AxisSize(loader[0], "c"); ok {
		n = min(c, channel.MaxChannels)
	}

	coarsest := loader[len(loader)-1]
	r, err := coarsest.GetRaster(ctx, pixel.RasterRequest{Selection: DefaultSelection(loader, n)})
	if err != nil {
		return channel.Params{}, fmt.Errorf("channel statistics: %w", err)
	}

	p := channel.Params{
		SliderValues: make([][2]float64, n),
		ColorValues:  make([][3]float64, n),
		ChannelIsOn:  make([]bool, n),
	}
	for i := 0; i < n; i++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range r.Data[i] {
			f := float64(v)
			if math.IsNaN(f) {
				continue
			}
			lo, hi = math.Min(lo, f), math.Max(hi, f)
		}
		if lo > hi {
			lo, hi = 0, channel.DefaultMaxSliderValue
		}
		p.SliderValues[i] = [2]float64{lo, hi}
		p.ColorValues[i] = colormap.ChannelColor(i)
		p.ChannelIsOn[i] = true
	}
	return p, nil
}
