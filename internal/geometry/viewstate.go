package geometry

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/keller-mark/viv/internal/pixel"
)

// ScreenSize is the on-screen size of a view in pixels.
type ScreenSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ViewState is an initial camera: where it looks and how far it is zoomed.
type ViewState struct {
	Target        [3]float64 `json:"target"`
	Zoom          float64    `json:"zoom"`
	RotationX     float64    `json:"rotationX"`
	RotationOrbit float64    `json:"rotationOrbit"`
}

type imageSize struct {
	width, height, depth int
}

func sizeOf(src pixel.Source, needDepth bool) (imageSize, error) {
	var s imageSize
	var ok bool
	if s.width, ok = pixel.AxisSize(src, "x"); !ok {
		return s, fmt.Errorf("%w: x in %v", ErrMissingAxis, src.Labels())
	}
	if s.height, ok = pixel.AxisSize(src, "y"); !ok {
		return s, fmt.Errorf("%w: y in %v", ErrMissingAxis, src.Labels())
	}
	if s.depth, ok = pixel.AxisSize(src, "z"); !ok && needDepth {
		return s, fmt.Errorf("%w: z in %v", ErrMissingAxis, src.Labels())
	}
	return s, nil
}

func fitZoom(s imageSize, screen ScreenSize, zoomBackOff float64) (float64, error) {
	if screen.Width <= 0 || screen.Height <= 0 {
		return 0, fmt.Errorf("%w: screen size %gx%g", ErrGeometry, screen.Width, screen.Height)
	}
	if s.width <= 0 || s.height <= 0 {
		return 0, fmt.Errorf("%w: empty image %dx%d", ErrGeometry, s.width, s.height)
	}
	ratio := math.Min(screen.Width/float64(s.width), screen.Height/float64(s.height))
	return math.Log2(ratio) - zoomBackOff, nil
}

// DefaultInitialViewState centres the image and picks the zoom that fits it on
// screen, backed off by zoomBackOff steps. With use3d the centre includes the
// depth and is scaled by the physical pixel sizes.
func DefaultInitialViewState(src pixel.Source, screen ScreenSize, zoomBackOff float64, use3d bool, model *mat.Dense) (ViewState, error) {
	s, err := sizeOf(src, use3d)
	if err != nil {
		return ViewState{}, err
	}
	zoom, err := fitZoom(s, screen, zoomBackOff)
	if err != nil {
		return ViewState{}, err
	}
	centre := [3]float64{float64(s.width) / 2, float64(s.height) / 2, 0}
	if use3d {
		centre[2] = float64(s.depth) / 2
		centre = TransformPoint(PhysicalSizeScalingMatrix(src), centre)
	}
	return ViewState{Target: TransformPoint(model, centre), Zoom: zoom}, nil
}

// VolumeViewState computes the starting camera of a volume rendered at the
// given resolution. The depth is downsampled by 2^resolution because volume
// levels keep the full z extent in their shape.
func VolumeViewState(loader pixel.Loader, resolution int, model *mat.Dense, screen ScreenSize) (ViewState, error) {
	src, err := loader.Level(resolution)
	if err != nil {
		return ViewState{}, fmt.Errorf("%w: %v", ErrGeometry, err)
	}
	s, err := sizeOf(src, true)
	if err != nil {
		return ViewState{}, err
	}
	depth := math.Floor(float64(s.depth) / math.Exp2(float64(resolution)))

	// The zoom comes from the shared helper; only its target is replaced.
	initial, err := DefaultInitialViewState(src, screen, 1, false, nil)
	if err != nil {
		return ViewState{}, err
	}
	centre := [3]float64{float64(s.width) / 2, float64(s.height) / 2, depth / 2}
	return ViewState{
		Target: TransformPoint(model, TransformPoint(PhysicalSizeScalingMatrix(src), centre)),
		Zoom:   initial.Zoom,
	}, nil
}

// Resolver memoizes VolumeViewState on the value of (loader, resolution,
// model matrix). The screen size is not part of the key: a resize keeps the
// camera the user started with.
type Resolver struct {
	cache *lru.Cache[string, ViewState]
}

// NewResolver creates a resolver remembering up to size results.
func NewResolver(size int) (*Resolver, error) {
	if size <= 0 {
		size = 128
	}
	c, err := lru.New[string, ViewState](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create geometry cache: %w", err)
	}
	return &Resolver{cache: c}, nil
}

// Key is the memo key for a volume view state.
func Key(loader pixel.Loader, resolution int, model *mat.Dense) string {
	return fmt.Sprintf("%s#%d#%s", loader.Fingerprint(), resolution, MatrixKey(model))
}

// VolumeViewState returns the cached state for the triple or computes it.
// Errors are not cached.
func (r *Resolver) VolumeViewState(loader pixel.Loader, resolution int, model *mat.Dense, screen ScreenSize) (ViewState, error) {
	key := Key(loader, resolution, model)
	if vs, ok := r.cache.Get(key); ok {
		return vs, nil
	}
	vs, err := VolumeViewState(loader, resolution, model, screen)
	if err != nil {
		return ViewState{}, err
	}
	r.cache.Add(key, vs)
	return vs, nil
}

// Len reports how many states are memoized.
func (r *Resolver) Len() int { return r.cache.Len() }
