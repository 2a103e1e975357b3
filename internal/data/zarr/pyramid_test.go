package zarr

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/tiling"
)

// writeUnevenStore lays out a 9x4 single-channel image whose second level
// was downsampled by rounding down to 4x2, in uncompressed 4x4 chunks.
func writeUnevenStore(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	axes := []interface{}{
		map[string]string{"name": "c", "type": "channel"},
		map[string]string{"name": "y", "type": "space"},
		map[string]string{"name": "x", "type": "space"},
	}
	writeJSON(t, filepath.Join(root, "zarr.json"), map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "group",
		"attributes": map[string]interface{}{
			"ome": map[string]interface{}{
				"multiscales": []interface{}{map[string]interface{}{
					"axes": axes,
					"datasets": []interface{}{
						map[string]interface{}{"path": "0"},
						map[string]interface{}{"path": "1"},
					},
				}},
			},
		},
	})

	levels := []struct {
		path          string
		width, height int
	}{{"0", 9, 4}, {"1", 4, 2}}
	for _, lv := range levels {
		chunks := []int{1, 4, 4}
		writeJSON(t, filepath.Join(root, lv.path, "zarr.json"), arrayDoc([]int{1, lv.height, lv.width}, chunks, 0, false))
		for cx := 0; cx*4 < lv.width; cx++ {
			raw := make([]byte, 4*4*2)
			for i := 0; i < 16; i++ {
				binary.LittleEndian.PutUint16(raw[i*2:], 1)
			}
			path := filepath.Join(root, lv.path, "c", "0", "0", strconv.Itoa(cx))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(path, raw, 0o644); err != nil {
				t.Fatalf("write chunk: %v", err)
			}
		}
	}
	return root
}

func TestUnevenPyramid_EveryTileLoads(t *testing.T) {
	s, err := Open(writeUnevenStore(t), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	loader := s.Loader()

	img, err := layer.NewImageLayer("img", layer.KindPyramidTiled, layer.ImageProps{
		Loader:    loader,
		Selection: []pixel.Selection{{"c": 0}},
		Channels: channel.Params{
			SliderValues: [][2]float64{{0, 1}},
			ColorValues:  [][3]float64{{255, 255, 255}},
			ChannelIsOn:  []bool{true},
		},
	})
	if err != nil {
		t.Fatalf("NewImageLayer: %v", err)
	}

	tests := []struct {
		name  string
		zoom  float64
		tiles int
	}{
		{"coarse level stops at its own width", -1, 1},
		{"full level keeps the short edge tile", 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vp := tiling.Viewport{Width: 200, Height: 200, Target: [2]float64{4.5, 2}, Zoom: tt.zoom}
			pass := img.Build(context.Background(), vp, layer.NewAssembler(loader, 4, nil))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pass.Wait(ctx); err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if len(pass.Tiles) != tt.tiles {
				t.Fatalf("expected %d tiles, got %d", tt.tiles, len(pass.Tiles))
			}
			for _, tile := range pass.Tiles {
				if tile.Handle.State() != layer.StateReady {
					t.Errorf("tile %+v: %v (%v)", tile.Coordinate, tile.Handle.State(), tile.Handle.Err())
				}
			}
		})
	}
}
