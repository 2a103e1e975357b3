package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/tiling"
)

func redPacked(t *testing.T) channel.Packed {
	t.Helper()
	p, err := channel.Pack(channel.Params{
		SliderValues: [][2]float64{{0, 100}},
		ColorValues:  [][3]float64{{255, 0, 0}},
		ChannelIsOn:  []bool{true},
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return p
}

func TestColorize(t *testing.T) {
	r := &pixel.Raster{Width: 3, Height: 1, Data: [][]float32{{50, 200, -5}}}
	img := Colorize(r, redPacked(t), nil)

	tests := []struct {
		x    int
		want color.RGBA
	}{
		{x: 0, want: color.RGBA{R: 128, A: 255}},
		{x: 1, want: color.RGBA{R: 255, A: 255}},
		{x: 2, want: color.RGBA{A: 255}},
	}
	for _, tt := range tests {
		if got := img.RGBAAt(tt.x, 0); got != tt.want {
			t.Errorf("pixel %d: got %v want %v", tt.x, got, tt.want)
		}
	}
}

func TestColorize_OffChannelContributesNothing(t *testing.T) {
	p, err := channel.Pack(channel.Params{
		SliderValues: [][2]float64{{0, 100}, {0, 100}},
		ColorValues:  [][3]float64{{255, 0, 0}, {0, 255, 0}},
		ChannelIsOn:  []bool{false, true},
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	r := &pixel.Raster{Width: 1, Height: 1, Data: [][]float32{{100}, {100}}}
	if got := Colorize(r, p, nil).RGBAAt(0, 0); got != (color.RGBA{G: 255, A: 255}) {
		t.Fatalf("only the green channel should show, got %v", got)
	}
}

func TestRender_ImageLayer(t *testing.T) {
	loader, err := pixel.NewMemoryPyramid(pixel.MemoryConfig{
		Labels:   []string{"c", "y", "x"},
		Shape:    []int{1, 4, 4},
		TileSize: 4,
		Plane: func(pixel.Selection) ([]float32, error) {
			p := make([]float32, 16)
			for i := range p {
				p[i] = 100
			}
			return p, nil
		},
	}, 1)
	if err != nil {
		t.Fatalf("NewMemoryPyramid: %v", err)
	}
	l, err := layer.NewImageLayer("img", layer.KindPyramidTiled, layer.ImageProps{
		Loader:    loader,
		Selection: []pixel.Selection{{"c": 0}},
		Channels: channel.Params{
			SliderValues: [][2]float64{{0, 100}},
			ColorValues:  [][3]float64{{255, 0, 0}},
			ChannelIsOn:  []bool{true},
		},
	})
	if err != nil {
		t.Fatalf("NewImageLayer: %v", err)
	}
	vp := tiling.Viewport{Width: 8, Height: 8, Target: [2]float64{2, 2}, Zoom: 1}
	pass := l.Build(context.Background(), vp, layer.NewAssembler(loader, 1, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pass.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	r := NewRenderer(Config{})
	img, err := r.Render(Frame{Width: 8, Height: 8, Viewport: vp, Layers: []layer.Layer{l}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := img.RGBAAt(3, 5); got != (color.RGBA{R: 255, A: 255}) {
		t.Fatalf("expected red inside the image, got %v", got)
	}
}

func TestRender_MirroredTile(t *testing.T) {
	// Only the first column is bright.
	loader, err := pixel.NewMemoryPyramid(pixel.MemoryConfig{
		Labels:   []string{"c", "y", "x"},
		Shape:    []int{1, 4, 4},
		TileSize: 4,
		Plane: func(pixel.Selection) ([]float32, error) {
			p := make([]float32, 16)
			for y := 0; y < 4; y++ {
				p[y*4] = 100
			}
			return p, nil
		},
	}, 1)
	if err != nil {
		t.Fatalf("NewMemoryPyramid: %v", err)
	}
	flipX := mat.NewDense(4, 4, []float64{
		-1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	l, err := layer.NewImageLayer("img", layer.KindPyramidTiled, layer.ImageProps{
		Loader:      loader,
		Selection:   []pixel.Selection{{"c": 0}},
		ModelMatrix: flipX,
		Channels: channel.Params{
			SliderValues: [][2]float64{{0, 100}},
			ColorValues:  [][3]float64{{255, 0, 0}},
			ChannelIsOn:  []bool{true},
		},
	})
	if err != nil {
		t.Fatalf("NewImageLayer: %v", err)
	}
	// The image covers world x in [-4, 0]; pixel column 0 sits at x = 0.
	vp := tiling.Viewport{Width: 8, Height: 8, Target: [2]float64{-2, 2}, Zoom: 1}
	pass := l.Build(context.Background(), vp, layer.NewAssembler(loader, 1, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pass.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(pass.Tiles) != 1 || pass.Tiles[0].BoundingBox.West <= pass.Tiles[0].BoundingBox.East {
		t.Fatalf("expected one mirrored tile, got %+v", pass.Tiles)
	}

	img, err := NewRenderer(Config{}).Render(Frame{Width: 8, Height: 8, Viewport: vp, Layers: []layer.Layer{l}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := img.RGBAAt(7, 4); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("bright column should land on the right, got %v", got)
	}
	if got := img.RGBAAt(0, 4); got.R != 0 {
		t.Errorf("left edge should be dark, got %v", got)
	}
}

func TestMirror(t *testing.T) {
	// 2x2 image whose red channel numbers the pixels 1..4 in row-major order.
	newImg := func() *image.RGBA {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		for i := 0; i < 4; i++ {
			img.Pix[i*4] = uint8(i + 1)
		}
		return img
	}
	tests := []struct {
		name                 string
		horizontal, vertical bool
		want                 [4]uint8
	}{
		{"none", false, false, [4]uint8{1, 2, 3, 4}},
		{"horizontal", true, false, [4]uint8{2, 1, 4, 3}},
		{"vertical", false, true, [4]uint8{3, 4, 1, 2}},
		{"both", true, true, [4]uint8{4, 3, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := newImg()
			mirror(img, tt.horizontal, tt.vertical)
			var got [4]uint8
			for i := range got {
				got[i] = img.Pix[i*4]
			}
			if got != tt.want {
				t.Errorf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestRender_Outline(t *testing.T) {
	vp := tiling.Viewport{Width: 10, Height: 10, Target: [2]float64{5, 5}, Zoom: 0}
	outline := layer.NewOutlineLayer("o", tiling.Bounds{MinX: 2, MinY: 2, MaxX: 8, MaxY: 8})

	img, err := NewRenderer(Config{}).Render(Frame{Width: 10, Height: 10, Viewport: vp, Layers: []layer.Layer{outline}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if c := img.RGBAAt(2, 5); c.R < 200 || c.G > 50 {
		t.Fatalf("expected the red frame at x=2, got %v", c)
	}
	if c := img.RGBAAt(5, 5); c != (color.RGBA{A: 255}) {
		t.Fatalf("inside of the frame should stay background, got %v", c)
	}
}

func TestRender_InvalidSize(t *testing.T) {
	if _, err := NewRenderer(Config{MaxSize: 100}).Render(Frame{Width: 0, Height: 10}); err == nil {
		t.Fatalf("expected an error for an empty frame")
	}
	if _, err := NewRenderer(Config{MaxSize: 100}).Render(Frame{Width: 101, Height: 10}); err == nil {
		t.Fatalf("expected an error for an oversized frame")
	}
}

func TestRenderPNG(t *testing.T) {
	data, err := NewRenderer(Config{}).RenderPNG(Frame{Width: 12, Height: 7})
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 12 || b.Dy() != 7 {
		t.Fatalf("unexpected bounds %v", b)
	}
}

func TestProject(t *testing.T) {
	v := &layer.Volume{Width: 1, Height: 1, Depth: 3, Data: [][]float32{{1, 5, 3}}}
	full := [2]float64{0, 1}

	tests := []struct {
		mode layer.RenderingMode
		z    [2]float64
		want float32
	}{
		{mode: layer.MaxIntensityProjection, z: full, want: 5},
		{mode: layer.MinIntensityProjection, z: full, want: 1},
		{mode: layer.Additive, z: full, want: 9},
		{mode: layer.Additive, z: [2]float64{0, 0.5}, want: 6},
		{mode: layer.MaxIntensityProjection, z: [2]float64{0.9, 1}, want: 3},
	}
	for _, tt := range tests {
		got := Project(v, tt.mode, full, full, tt.z)
		if got[0][0] != tt.want {
			t.Errorf("%s over %v: got %v want %v", tt.mode, tt.z, got[0][0], tt.want)
		}
	}
}
