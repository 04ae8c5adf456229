package zarr

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
	"github.com/florenthaiss/ims-zarrConverter/pkg/codec"
)

// testLevels builds a two-level pyramid whose level 0 has boundary chunks on
// both the z and y axes.
func testLevels() []models.Level {
	return []models.Level{
		{Index: 0, Shape: models.Dims{Z: 10, Y: 8, X: 6}, Chunk: models.Dims{Z: 4, Y: 5, X: 6}},
		{Index: 1, Shape: models.Dims{Z: 5, Y: 4, X: 3}, Chunk: models.Dims{Z: 4, Y: 4, X: 3}},
	}
}

func testMeta(channels int) Meta {
	return Meta{
		Name:      "test",
		Channels:  channels,
		VoxelSize: [3]float64{2.0, 0.5, 0.5},
		Unit:      "micrometer",
		Factor:    2,
	}
}

// fillTile produces a deterministic pattern distinguishing every voxel of a
// channel's level.
func fillTile(channel int, size models.Dims) []uint16 {
	data := make([]uint16, size.Elements())
	i := 0
	for z := 0; z < size.Z; z++ {
		for y := 0; y < size.Y; y++ {
			for x := 0; x < size.X; x++ {
				data[i] = uint16(channel*10000 + z*100 + y*10 + x)
				i++
			}
		}
	}
	return data
}

func mustCodec(t *testing.T, name string, level int) *codec.Codec {
	t.Helper()
	c, err := codec.New(name, level)
	if err != nil {
		t.Fatalf("codec.New(%q, %d): %v", name, level, err)
	}
	return c
}

func TestCreateWritesMetadata(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.zarr")
	levels := testLevels()
	s, err := Create(dir, levels, mustCodec(t, codec.Zstd, 1), testMeta(2))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Path() != dir {
		t.Errorf("Path() = %q, want %q", s.Path(), dir)
	}

	var group groupMeta
	if err := readJSON(filepath.Join(dir, ".zgroup"), &group); err != nil {
		t.Fatalf("reading .zgroup: %v", err)
	}
	if group.ZarrFormat != 2 {
		t.Errorf("zarr_format = %d, want 2", group.ZarrFormat)
	}

	var am arrayMeta
	if err := readJSON(filepath.Join(dir, "0", ".zarray"), &am); err != nil {
		t.Fatalf("reading level-0 .zarray: %v", err)
	}
	wantShape := []int{1, 2, 10, 8, 6}
	for i, v := range wantShape {
		if am.Shape[i] != v {
			t.Errorf("shape[%d] = %d, want %d", i, am.Shape[i], v)
		}
	}
	wantChunks := []int{1, 1, 4, 5, 6}
	for i, v := range wantChunks {
		if am.Chunks[i] != v {
			t.Errorf("chunks[%d] = %d, want %d", i, am.Chunks[i], v)
		}
	}
	if am.Dtype != "<u2" {
		t.Errorf("dtype = %q, want \"<u2\"", am.Dtype)
	}
	if am.Order != "C" {
		t.Errorf("order = %q, want \"C\"", am.Order)
	}
	if am.DimensionSeparator != "/" {
		t.Errorf("dimension_separator = %q, want \"/\"", am.DimensionSeparator)
	}
	if id, _ := am.Compressor["id"].(string); id != "zstd" {
		t.Errorf("compressor id = %q, want \"zstd\"", id)
	}

	var attrs map[string]interface{}
	if err := readJSON(filepath.Join(dir, ".zattrs"), &attrs); err != nil {
		t.Fatalf("reading .zattrs: %v", err)
	}
	ms, err := parseMultiscale(attrs)
	if err != nil {
		t.Fatalf("parseMultiscale: %v", err)
	}
	if len(ms.Datasets) != 2 || ms.Datasets[0].Path != "0" || ms.Datasets[1].Path != "1" {
		t.Errorf("multiscales datasets = %+v, want paths 0 and 1", ms.Datasets)
	}
	if ms.Type != MultiscaleType {
		t.Errorf("multiscale type = %q, want %q", ms.Type, MultiscaleType)
	}
	if len(ms.Axes) != 5 || ms.Axes[2].Name != "z" || ms.Axes[2].Unit != "micrometer" {
		t.Errorf("axes = %+v, want 5 axes with spatial unit micrometer", ms.Axes)
	}

	// Level-1 scale is the level-0 voxel size times the factor.
	tr := ms.Datasets[1].CoordinateTransformations[0]
	want := []float64{1, 1, 4.0, 1.0, 1.0}
	for i, v := range want {
		if tr.Scale[i] != v {
			t.Errorf("level-1 scale[%d] = %v, want %v", i, tr.Scale[i], v)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, codecName := range []string{codec.None, codec.Zstd, codec.Gzip} {
		t.Run(codecName, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "out.zarr")
			levels := testLevels()
			s, err := Create(dir, levels, mustCodec(t, codecName, 1), testMeta(2))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			for c := 0; c < 2; c++ {
				data := fillTile(c, levels[0].Shape)
				region := models.Box{Size: levels[0].Shape}
				if _, err := s.WriteTile(0, c, region, data); err != nil {
					t.Fatalf("WriteTile channel %d: %v", c, err)
				}
			}

			for c := 0; c < 2; c++ {
				got, err := s.ReadZSlab(0, c, 0, levels[0].Shape.Z)
				if err != nil {
					t.Fatalf("ReadZSlab channel %d: %v", c, err)
				}
				want := fillTile(c, levels[0].Shape)
				for i := range want {
					if got[i] != want[i] {
						t.Fatalf("channel %d voxel %d = %d, want %d", c, i, got[i], want[i])
					}
				}
			}

			// A partial slab crossing a chunk boundary in z.
			got, err := s.ReadZSlab(0, 1, 3, 7)
			if err != nil {
				t.Fatalf("partial ReadZSlab: %v", err)
			}
			full := fillTile(1, levels[0].Shape)
			plane := levels[0].Shape.Y * levels[0].Shape.X
			for i, v := range got {
				if v != full[3*plane+i] {
					t.Fatalf("partial slab voxel %d = %d, want %d", i, v, full[3*plane+i])
				}
			}
		})
	}
}

func TestBoundaryChunksArePadded(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.zarr")
	levels := testLevels()
	// Uncompressed store so chunk files hold the raw buffer.
	s, err := Create(dir, levels, mustCodec(t, codec.None, 0), testMeta(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.WriteTile(0, 0, models.Box{Size: levels[0].Shape}, fillTile(0, levels[0].Shape)); err != nil {
		t.Fatalf("WriteTile: %v", err)
	}

	// The last z chunk (rows 8-9 of 10) must still be a full 4x5x6 buffer
	// with zeros past the array edge.
	raw, err := os.ReadFile(filepath.Join(dir, "0", "0", "0", "2", "1", "0"))
	if err != nil {
		t.Fatalf("reading boundary chunk: %v", err)
	}
	chunk := levels[0].Chunk
	if len(raw) != chunk.Elements()*2 {
		t.Fatalf("boundary chunk is %d bytes, want full %d", len(raw), chunk.Elements()*2)
	}

	// z=8, y=5 (chunk-local z=0, y=0) is real data.
	v := binary.LittleEndian.Uint16(raw[0:])
	if v != uint16(8*100+5*10+0) {
		t.Errorf("first voxel of boundary chunk = %d, want %d", v, 8*100+5*10)
	}
	// Chunk-local z=2 is past the array edge; it must be fill value zero.
	off := 2 * chunk.Y * chunk.X * 2
	if pad := binary.LittleEndian.Uint16(raw[off:]); pad != 0 {
		t.Errorf("padding voxel = %d, want 0", pad)
	}
}

func TestMissingChunksReadAsZero(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.zarr")
	levels := testLevels()
	s, err := Create(dir, levels, mustCodec(t, codec.Zstd, 1), testMeta(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.ReadZSlab(0, 0, 0, 2)
	if err != nil {
		t.Fatalf("ReadZSlab on empty store: %v", err)
	}
	for i, v := range got {
		if v != 0 {
			t.Fatalf("voxel %d = %d, want fill value 0", i, v)
		}
	}
}

func TestWriteTileValidation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.zarr")
	levels := testLevels()
	s, err := Create(dir, levels, mustCodec(t, codec.None, 0), testMeta(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Run("region outside level", func(t *testing.T) {
		region := models.Box{Off: models.Dims{Z: 8}, Size: models.Dims{Z: 4, Y: 8, X: 6}}
		if _, err := s.WriteTile(0, 0, region, make([]uint16, region.Size.Elements())); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("got %v, want ErrOutOfBounds", err)
		}
	})
	t.Run("misaligned offset", func(t *testing.T) {
		region := models.Box{Off: models.Dims{Z: 2}, Size: models.Dims{Z: 4, Y: 8, X: 6}}
		if _, err := s.WriteTile(0, 0, region, make([]uint16, region.Size.Elements())); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("got %v, want ErrOutOfBounds", err)
		}
	})
	t.Run("wrong element count", func(t *testing.T) {
		region := models.Box{Size: models.Dims{Z: 4, Y: 8, X: 6}}
		if _, err := s.WriteTile(0, 0, region, make([]uint16, 7)); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("got %v, want ErrOutOfBounds", err)
		}
	})
	t.Run("bad level", func(t *testing.T) {
		if _, err := s.WriteTile(5, 0, models.Box{Size: models.Dims{Z: 1, Y: 1, X: 1}}, make([]uint16, 1)); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("got %v, want ErrOutOfBounds", err)
		}
	})
}

func TestOpenRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.zarr")
	levels := testLevels()
	meta := testMeta(2)
	meta.ChannelNames = []string{"dapi", "gfp"}
	s, err := Create(dir, levels, mustCodec(t, codec.Gzip, 4), meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := fillTile(0, levels[0].Shape)
	if _, err := s.WriteTile(0, 0, models.Box{Size: levels[0].Shape}, data); err != nil {
		t.Fatalf("WriteTile: %v", err)
	}

	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(r.Levels()) != 2 {
		t.Fatalf("Open found %d levels, want 2", len(r.Levels()))
	}
	for i, lvl := range r.Levels() {
		if lvl != levels[i] {
			t.Errorf("level %d = %+v, want %+v", i, lvl, levels[i])
		}
	}
	got := r.Meta()
	if got.Channels != 2 {
		t.Errorf("channels = %d, want 2", got.Channels)
	}
	if got.Factor != 2 {
		t.Errorf("factor = %d, want 2", got.Factor)
	}
	if got.Unit != "micrometer" {
		t.Errorf("unit = %q, want micrometer", got.Unit)
	}
	if got.VoxelSize != meta.VoxelSize {
		t.Errorf("voxel size = %v, want %v", got.VoxelSize, meta.VoxelSize)
	}
	if len(got.ChannelNames) != 2 || got.ChannelNames[0] != "dapi" || got.ChannelNames[1] != "gfp" {
		t.Errorf("channel names = %v, want [dapi gfp]", got.ChannelNames)
	}
	if r.Codec().Name() != codec.Gzip || r.Codec().Level() != 4 {
		t.Errorf("codec = %s/%d, want gzip/4", r.Codec().Name(), r.Codec().Level())
	}

	// Data written before the reopen reads back through the new handle.
	back, err := r.ReadZSlab(0, 0, 0, levels[0].Shape.Z)
	if err != nil {
		t.Fatalf("ReadZSlab after Open: %v", err)
	}
	for i := range data {
		if back[i] != data[i] {
			t.Fatalf("voxel %d = %d, want %d", i, back[i], data[i])
		}
	}
}

func TestSetRootAttrPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.zarr")
	s, err := Create(dir, testLevels(), mustCodec(t, codec.None, 0), testMeta(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec := CropRecord{Source: "orig.zarr", ZStartInclusive: 3, ZEndInclusive: 8, TimestampUTC: "2026-01-02T03:04:05Z"}
	if err := s.SetRootAttr("crop", rec); err != nil {
		t.Fatalf("SetRootAttr: %v", err)
	}

	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw, ok := r.Attrs()["crop"].(map[string]interface{})
	if !ok {
		t.Fatalf("crop attribute missing or wrong shape: %v", r.Attrs()["crop"])
	}
	if raw["source"] != "orig.zarr" {
		t.Errorf("crop source = %v, want orig.zarr", raw["source"])
	}
	if raw["z_start_inclusive"] != float64(3) || raw["z_end_inclusive"] != float64(8) {
		t.Errorf("crop range = %v..%v, want 3..8", raw["z_start_inclusive"], raw["z_end_inclusive"])
	}

	// multiscales must survive the attribute update.
	if _, err := parseMultiscale(r.Attrs()); err != nil {
		t.Errorf("multiscales lost after SetRootAttr: %v", err)
	}
}

func TestPartialMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.zarr")
	meta := testMeta(1)
	meta.Partial = true
	if _, err := Create(dir, testLevels(), mustCodec(t, codec.None, 0), meta); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !r.Meta().Partial {
		t.Error("partial marker not round-tripped")
	}
}

func TestOpenRejectsNonStore(t *testing.T) {
	if _, err := Open(t.TempDir()); !errors.Is(err, ErrNotStore) {
		t.Errorf("empty dir: got %v, want ErrNotStore", err)
	}
}
