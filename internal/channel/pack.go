// Package channel packs per-channel slider ranges and colors into the
// fixed-size arrays the compositing shader consumes.
package channel

import (
	"errors"
	"fmt"
)

const (
	// MaxChannels is the number of channel slots the shader exposes.
	MaxChannels = 6
	// MaxColorIntensity is the upper bound of the 0-255 color domain.
	MaxColorIntensity = 255
	// DefaultMaxSliderValue is used when Params.MaxSliderValue is unset.
	DefaultMaxSliderValue = 65535
)

var (
	// ErrConfiguration is the parent of every construction-time channel error.
	ErrConfiguration = errors.New("configuration error")

	// ErrChannelCountMismatch is returned when the parallel channel arrays differ in length.
	ErrChannelCountMismatch = fmt.Errorf("%w: inconsistent number of slider values and colors provided", ErrConfiguration)

	// ErrChannelCapacityExceeded is returned when more than MaxChannels channels are given.
	ErrChannelCapacityExceeded = fmt.Errorf("%w: too many channels specified for shader", ErrConfiguration)
)

// offColor is written for disabled channels and padding slots.
var offColor = [3]float64{0, 0, 0}

// Params are the caller-supplied channel settings. The three slices are index-aligned.
type Params struct {
	SliderValues   [][2]float64 `json:"sliderValues" yaml:"slider_values"`
	ColorValues    [][3]float64 `json:"colorValues" yaml:"color_values"`
	ChannelIsOn    []bool       `json:"channelIsOn" yaml:"channel_is_on"`
	MaxSliderValue *float64     `json:"maxSliderValue,omitempty" yaml:"max_slider_value"`
}

// MaxSlider is the off-channel slider value: MaxSliderValue when set,
// DefaultMaxSliderValue otherwise. An explicit zero is kept.
func (p Params) MaxSlider() float64 {
	if p.MaxSliderValue != nil {
		return *p.MaxSliderValue
	}
	return DefaultMaxSliderValue
}

// Len is the number of channels described by p.
func (p Params) Len() int { return len(p.SliderValues) }

// Validate checks the array invariants without packing.
func (p Params) Validate() error {
	n := len(p.SliderValues)
	if len(p.ColorValues) != n || len(p.ChannelIsOn) != n {
		return fmt.Errorf("%w (sliders=%d colors=%d on=%d)",
			ErrChannelCountMismatch, n, len(p.ColorValues), len(p.ChannelIsOn))
	}
	if n > MaxChannels {
		return fmt.Errorf("%w (%d > %d)", ErrChannelCapacityExceeded, n, MaxChannels)
	}
	return nil
}

// Packed is the shader-ready form: slider pairs flattened in channel order and
// normalized colors, both padded to MaxChannels slots.
type Packed struct {
	Sliders [2 * MaxChannels]float64 `json:"sliderValues"`
	Colors  [MaxChannels][3]float64  `json:"colorValues"`
}

// Pack validates p and produces the padded, normalized arrays.
// Off channels and padding get the slider [max, max] and color (0, 0, 0),
// which clips everything to the floor.
func Pack(p Params) (Packed, error) {
	if err := p.Validate(); err != nil {
		return Packed{}, err
	}
	maxSlider := p.MaxSlider()

	var out Packed
	for i := 0; i < MaxChannels; i++ {
		if i >= p.Len() || !p.ChannelIsOn[i] {
			out.Sliders[2*i] = maxSlider
			out.Sliders[2*i+1] = maxSlider
			out.Colors[i] = offColor
			continue
		}
		out.Sliders[2*i] = p.SliderValues[i][0]
		out.Sliders[2*i+1] = p.SliderValues[i][1]
		for c := 0; c < 3; c++ {
			out.Colors[i][c] = p.ColorValues[i][c] / MaxColorIntensity
		}
	}
	return out, nil
}

// Slider returns the [min, max] window of slot i.
func (p Packed) Slider(i int) (float64, float64) {
	return p.Sliders[2*i], p.Sliders[2*i+1]
}
