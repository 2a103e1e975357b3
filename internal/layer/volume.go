package layer

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/pixel"
)

// RenderingMode is how a volume is projected onto the screen.
type RenderingMode string

const (
	MaxIntensityProjection RenderingMode = "Maximum Intensity Projection"
	MinIntensityProjection RenderingMode = "Minimum Intensity Projection"
	Additive               RenderingMode = "Additive"
)

// Valid reports whether m is a known mode.
func (m RenderingMode) Valid() bool {
	switch m {
	case MaxIntensityProjection, MinIntensityProjection, Additive:
		return true
	}
	return false
}

// Volume is a stack of planes, one []float32 of Width*Height*Depth per channel,
// z-major.
type Volume struct {
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Depth  int         `json:"depth"`
	Data   [][]float32 `json:"-"`
}

// VolumeHandle is the pending data of a volume.
type VolumeHandle = Future[*Volume]

// VolumeProps are the caller settings of a volume layer.
type VolumeProps struct {
	Loader        pixel.Loader
	Selection     []pixel.Selection
	Channels      channel.Params
	Colormap      string
	Resolution    int
	ModelMatrix   *mat.Dense
	XSlice        *[2]float64
	YSlice        *[2]float64
	ZSlice        *[2]float64
	RenderingMode RenderingMode
}

// VolumeLayer renders one resolution of a z-stack in 3D. Slices and the
// rendering mode are passed through to the renderer as given.
type VolumeLayer struct {
	ID            string         `json:"id"`
	Params        channel.Packed `json:"params"`
	Colormap      string         `json:"colormap,omitempty"`
	Resolution    int            `json:"resolution"`
	XSlice        [2]float64     `json:"xSlice"`
	YSlice        [2]float64     `json:"ySlice"`
	ZSlice        [2]float64     `json:"zSlice"`
	RenderingMode RenderingMode  `json:"renderingMode"`
	ModelMatrix   []float64      `json:"modelMatrix"`
	// PhysicalScale is the physical size scaling applied before the model matrix.
	PhysicalScale []float64     `json:"physicalScale"`
	Handle        *VolumeHandle `json:"-"`

	source    pixel.Source
	selection []pixel.Selection
}

var fullSlice = [2]float64{0, 1}

func sliceOr(s *[2]float64) [2]float64 {
	if s == nil {
		return fullSlice
	}
	return *s
}

// VolumeLayerID is the id of the volume layer of a view.
func VolumeLayerID(loaderType, viewID string) string {
	return fmt.Sprintf("volume-%s-#%s#", loaderType, viewID)
}

// NewVolumeLayer validates props. Pixels are not requested until Load.
func NewVolumeLayer(id string, props VolumeProps) (*VolumeLayer, error) {
	if len(props.Selection) != props.Channels.Len() {
		return nil, fmt.Errorf("%w (selections=%d channels=%d)",
			channel.ErrChannelCountMismatch, len(props.Selection), props.Channels.Len())
	}
	packed, err := channel.Pack(props.Channels)
	if err != nil {
		return nil, err
	}
	src, err := props.Loader.Level(props.Resolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrConfiguration, err)
	}
	if _, ok := pixel.AxisSize(src, "z"); !ok {
		return nil, fmt.Errorf("%w: z in %v", geometry.ErrMissingAxis, src.Labels())
	}
	mode := props.RenderingMode
	if mode == "" {
		mode = Additive
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: rendering mode %q", channel.ErrConfiguration, mode)
	}
	return &VolumeLayer{
		ID:            id,
		Params:        packed,
		Colormap:      props.Colormap,
		Resolution:    props.Resolution,
		XSlice:        sliceOr(props.XSlice),
		YSlice:        sliceOr(props.YSlice),
		ZSlice:        sliceOr(props.ZSlice),
		RenderingMode: mode,
		ModelMatrix:   geometry.ColumnMajor(props.ModelMatrix),
		PhysicalScale: geometry.ColumnMajor(geometry.PhysicalSizeScalingMatrix(props.Loader[0])),
		source:        src,
		selection:     props.Selection,
	}, nil
}

func (l *VolumeLayer) LayerID() string   { return l.ID }
func (l *VolumeLayer) LayerType() string { return "volume" }

// Load fetches every z plane of every selected channel in the background.
// The depth is downsampled like the view geometry: floor(depth / 2^resolution)
// planes, each taken from the matching full-depth index.
func (l *VolumeLayer) Load(ctx context.Context, log *logrus.Entry) *VolumeHandle {
	h := newFuture[*Volume]()
	l.Handle = h
	go func() {
		v, err := l.load(ctx)
		if err != nil {
			if log != nil {
				log.WithError(err).WithField("layer", l.ID).Debug("Volume unavailable")
			}
			h.settle(StateFailed, nil, fmt.Errorf("%w: %v", pixel.ErrDataUnavailable, err))
			return
		}
		h.settle(StateReady, v, nil)
	}()
	return h
}

func (l *VolumeLayer) load(ctx context.Context) (*Volume, error) {
	fullDepth, _ := pixel.AxisSize(l.source, "z")
	step := math.Exp2(float64(l.Resolution))
	depth := int(math.Floor(float64(fullDepth) / step))
	if depth < 1 {
		depth = 1
	}

	v := &Volume{Depth: depth, Data: make([][]float32, len(l.selection))}
	for z := 0; z < depth; z++ {
		sel := make([]pixel.Selection, len(l.selection))
		for i, s := range l.selection {
			sel[i] = s.With("z", min(int(float64(z)*step), fullDepth-1))
		}
		r, err := l.source.GetRaster(ctx, pixel.RasterRequest{Selection: sel})
		if err != nil {
			return nil, fmt.Errorf("plane %d: %w", z, err)
		}
		if z == 0 {
			v.Width, v.Height = r.Width, r.Height
			for c := range v.Data {
				v.Data[c] = make([]float32, 0, r.Width*r.Height*depth)
			}
		}
		for c := range v.Data {
			v.Data[c] = append(v.Data[c], r.Data[c]...)
		}
	}
	return v, nil
}
