package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/keller-mark/viv/internal/pixel"
)

// ArrayMeta is the subset of a Zarr v3 array document (zarr.json) the reader uses.
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	Codecs     []Codec     `json:"codecs"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// Codec is one entry of an array's codec chain.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration"`
}

// GroupMeta is a Zarr v3 group document carrying OME-NGFF attributes.
type GroupMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Attributes struct {
		OME struct {
			Version     string       `json:"version"`
			Multiscales []Multiscale `json:"multiscales"`
		} `json:"ome"`
		// Stores written against NGFF 0.4 keep multiscales at the top level.
		Multiscales []Multiscale `json:"multiscales"`
	} `json:"attributes"`
}

// Multiscale describes the levels of one image, finest first.
type Multiscale struct {
	Name     string  `json:"name"`
	Axes     []Axis  `json:"axes"`
	Datasets []Level `json:"datasets"`
}

// Axis names one dimension and, for space axes, its unit.
type Axis struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Unit string `json:"unit"`
}

// Level points at the array of one resolution level.
type Level struct {
	Path                      string           `json:"path"`
	CoordinateTransformations []Transformation `json:"coordinateTransformations"`
}

// Transformation is an NGFF coordinate transformation.
type Transformation struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale"`
}

// Scale returns the scale transformation of the level, if any.
func (l Level) Scale() []float64 {
	for _, t := range l.CoordinateTransformations {
		if t.Type == "scale" {
			return t.Scale
		}
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func loadGroupMeta(root string) (*GroupMeta, error) {
	var meta GroupMeta
	if err := readJSON(filepath.Join(root, "zarr.json"), &meta); err != nil {
		return nil, fmt.Errorf("read group metadata: %w", err)
	}
	if meta.ZarrFormat != 3 {
		return nil, fmt.Errorf("unsupported zarr_format %d", meta.ZarrFormat)
	}
	return &meta, nil
}

// multiscale returns the first multiscale of the group.
func (g *GroupMeta) multiscale() (*Multiscale, error) {
	ms := g.Attributes.OME.Multiscales
	if len(ms) == 0 {
		ms = g.Attributes.Multiscales
	}
	if len(ms) == 0 || len(ms[0].Datasets) == 0 {
		return nil, fmt.Errorf("group has no multiscales")
	}
	return &ms[0], nil
}

func loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	var meta ArrayMeta
	if err := readJSON(filepath.Join(arrayPath, "zarr.json"), &meta); err != nil {
		return nil, err
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("%s is a %s, not an array", arrayPath, meta.NodeType)
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)",
			len(meta.Shape), len(meta.ChunkGrid.Configuration.ChunkShape))
	}
	for d, c := range meta.ChunkGrid.Configuration.ChunkShape {
		if c <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	if _, err := dtypeSize(meta.DataType); err != nil {
		return nil, err
	}
	return &meta, nil
}

// chunkKey encodes chunk indices with the array's key encoding; the
// default encoding prefixes keys with "c".
func (m *ArrayMeta) chunkKey(indices []int) string {
	sep := m.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, 0, len(indices)+1)
	if m.ChunkKeyEncoding.Name != "v2" {
		parts = append(parts, "c")
	}
	for _, idx := range indices {
		parts = append(parts, strconv.Itoa(idx))
	}
	return strings.Join(parts, sep)
}

func (m *ArrayMeta) chunkLen() int {
	n := 1
	for _, c := range m.ChunkGrid.Configuration.ChunkShape {
		n *= c
	}
	return n
}

func (m *ArrayMeta) byteOrder() binary.ByteOrder {
	for _, c := range m.Codecs {
		if c.Name == "bytes" && c.Configuration["endian"] == "big" {
			return binary.BigEndian
		}
	}
	return binary.LittleEndian
}

func (m *ArrayMeta) fill() float32 {
	switch v := m.FillValue.(type) {
	case float64:
		return float32(v)
	case string:
		if v == "NaN" {
			return float32(math.NaN())
		}
	}
	return 0
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8", "int8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "uint32", "int32", "float32":
		return 4, nil
	case "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// decodeValues converts raw chunk bytes into float32 samples.
func decodeValues(raw []byte, dataType string, order binary.ByteOrder) ([]float32, error) {
	size, err := dtypeSize(dataType)
	if err != nil {
		return nil, err
	}
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("chunk of %d bytes is not a multiple of %s", len(raw), dataType)
	}
	out := make([]float32, len(raw)/size)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch dataType {
		case "uint8":
			out[i] = float32(b[0])
		case "int8":
			out[i] = float32(int8(b[0]))
		case "uint16":
			out[i] = float32(order.Uint16(b))
		case "int16":
			out[i] = float32(int16(order.Uint16(b)))
		case "uint32":
			out[i] = float32(order.Uint32(b))
		case "int32":
			out[i] = float32(int32(order.Uint32(b)))
		case "float32":
			out[i] = math.Float32frombits(order.Uint32(b))
		case "float64":
			out[i] = float32(math.Float64frombits(order.Uint64(b)))
		}
	}
	return out, nil
}

var unitSymbols = map[string]string{
	"micrometer": "µm",
	"nanometer":  "nm",
	"millimeter": "mm",
	"centimeter": "cm",
	"meter":      "m",
	"angstrom":   "Å",
}

// physicalSizes derives per-axis calibration from the finest level's scale.
func physicalSizes(axes []Axis, scale []float64) map[string]pixel.PhysicalSize {
	out := make(map[string]pixel.PhysicalSize)
	for i, a := range axes {
		if a.Type != "space" || a.Unit == "" || i >= len(scale) {
			continue
		}
		unit := a.Unit
		if sym, ok := unitSymbols[unit]; ok {
			unit = sym
		}
		out[strings.ToLower(a.Name)] = pixel.PhysicalSize{Unit: unit, Value: scale[i]}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
