package zarr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
	"github.com/florenthaiss/ims-zarrConverter/pkg/codec"
)

// Open reads an existing store's group, array, and multiscales metadata and
// returns a handle that can read slabs back out of it. The codec is
// reconstructed from the compressor descriptor recorded in the array
// metadata, so no external configuration is needed.
func Open(path string) (*Store, error) {
	var group groupMeta
	if err := readJSON(filepath.Join(path, groupFile), &group); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotStore, path, err)
	}
	if group.ZarrFormat != zarrFormat {
		return nil, fmt.Errorf("%w: zarr_format %d", ErrNotStore, group.ZarrFormat)
	}

	var attrs map[string]interface{}
	if err := readJSON(filepath.Join(path, attrsFile), &attrs); err != nil {
		return nil, fmt.Errorf("%w: missing root attributes: %v", ErrNotStore, err)
	}
	ms, err := parseMultiscale(attrs)
	if err != nil {
		return nil, err
	}
	if len(ms.Datasets) == 0 {
		return nil, fmt.Errorf("%w: multiscales lists no datasets", ErrNotStore)
	}

	s := &Store{path: path, attrs: attrs, sep: "/"}
	for i, ds := range ms.Datasets {
		var am arrayMeta
		if err := readJSON(filepath.Join(path, ds.Path, arrayFile), &am); err != nil {
			return nil, fmt.Errorf("%w: level %s: %v", ErrNotStore, ds.Path, err)
		}
		if am.Dtype != models.DtypeUint16 {
			return nil, fmt.Errorf("%w: unsupported dtype %q", ErrNotStore, am.Dtype)
		}
		if len(am.Shape) != 5 || len(am.Chunks) != 5 {
			return nil, fmt.Errorf("%w: level %s is not a t,c,z,y,x array", ErrNotStore, ds.Path)
		}
		if am.Order != "C" {
			return nil, fmt.Errorf("%w: unsupported order %q", ErrNotStore, am.Order)
		}
		if i == 0 {
			s.meta.Channels = am.Shape[1]
			s.cdc, err = codec.FromZarrCompressor(am.Compressor)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNotStore, err)
			}
			if am.DimensionSeparator != "" {
				s.sep = am.DimensionSeparator
			}
		}
		idx, err := strconv.Atoi(ds.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: non-numeric level path %q", ErrNotStore, ds.Path)
		}
		s.levels = append(s.levels, models.Level{
			Index: idx,
			Shape: models.Dims{Z: am.Shape[2], Y: am.Shape[3], X: am.Shape[4]},
			Chunk: models.Dims{Z: am.Chunks[2], Y: am.Chunks[3], X: am.Chunks[4]},
		})
	}

	s.meta.Name = ms.Name
	s.meta.Factor = inferFactor(s.levels)
	s.meta.Unit, s.meta.VoxelSize = parseScale(ms)
	if p, ok := attrs["partial"].(bool); ok {
		s.meta.Partial = p
	}
	s.meta.ChannelNames = parseChannelNames(attrs)
	return s, nil
}

// Attrs returns the raw root attribute map.
func (s *Store) Attrs() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs
}

// ReadZSlab reads [z0, z1) of one channel at the given level as a row-major
// z,y,x array spanning the full y/x extent. It assembles the slab from every
// intersecting chunk, decompressing with the store's recorded codec; chunks
// absent on disk read back as the zero fill value.
func (s *Store) ReadZSlab(level, channel, z0, z1 int) ([]uint16, error) {
	if level < 0 || level >= len(s.levels) {
		return nil, fmt.Errorf("%w: level %d", ErrOutOfBounds, level)
	}
	lvl := s.levels[level]
	if channel < 0 || channel >= s.meta.Channels {
		return nil, fmt.Errorf("%w: channel %d", ErrOutOfBounds, channel)
	}
	if z0 < 0 || z1 <= z0 || z1 > lvl.Shape.Z {
		return nil, fmt.Errorf("%w: z range [%d, %d) outside level %d extent %d",
			ErrOutOfBounds, z0, z1, level, lvl.Shape.Z)
	}

	c := lvl.Chunk
	out := make([]uint16, (z1-z0)*lvl.Shape.Y*lvl.Shape.X)

	for zi := z0 / c.Z; zi*c.Z < z1; zi++ {
		for yi := 0; yi*c.Y < lvl.Shape.Y; yi++ {
			for xi := 0; xi*c.X < lvl.Shape.X; xi++ {
				if err := s.readChunkInto(lvl, channel, zi, yi, xi, z0, z1, out); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// readChunkInto copies the intersection of one chunk with the slab into out.
func (s *Store) readChunkInto(lvl models.Level, channel, zi, yi, xi, z0, z1 int, out []uint16) error {
	payload, err := os.ReadFile(s.chunkFile(lvl.Index, channel, zi, yi, xi))
	if errors.Is(err, os.ErrNotExist) {
		return nil // fill value
	}
	if err != nil {
		return fmt.Errorf("reading chunk %d/%d/%d/%d: %w", lvl.Index, zi, yi, xi, err)
	}
	raw, err := s.cdc.Decompress(payload)
	if err != nil {
		return fmt.Errorf("chunk %d/%d/%d/%d: %w", lvl.Index, zi, yi, xi, err)
	}
	c := lvl.Chunk
	if len(raw) != c.Elements()*models.DtypeUint16Size {
		return fmt.Errorf("%w: chunk %d/%d/%d/%d has %d bytes, want %d",
			codec.ErrCorruptChunk, lvl.Index, zi, yi, xi, len(raw), c.Elements()*models.DtypeUint16Size)
	}

	// Clip the chunk extent to real data and to the requested slab.
	zLo := max(zi*c.Z, z0)
	zHi := min(min(zi*c.Z+c.Z, lvl.Shape.Z), z1)
	yHi := min(yi*c.Y+c.Y, lvl.Shape.Y) - yi*c.Y
	xHi := min(xi*c.X+c.X, lvl.Shape.X) - xi*c.X

	for z := zLo; z < zHi; z++ {
		cz := z - zi*c.Z
		for y := 0; y < yHi; y++ {
			srcRow := ((cz*c.Y + y) * c.X) * models.DtypeUint16Size
			dstRow := ((z-z0)*lvl.Shape.Y+yi*c.Y+y)*lvl.Shape.X + xi*c.X
			for x := 0; x < xHi; x++ {
				out[dstRow+x] = binary.LittleEndian.Uint16(raw[srcRow+x*models.DtypeUint16Size:])
			}
		}
	}
	return nil
}

// chunkFile resolves a chunk's grid coordinates to its file, honoring the
// store's dimension separator ("/" nests directories, "." is a flat key).
func (s *Store) chunkFile(level, channel, zi, yi, xi int) string {
	parts := []string{"0", strconv.Itoa(channel), strconv.Itoa(zi), strconv.Itoa(yi), strconv.Itoa(xi)}
	if s.sep == "/" {
		return filepath.Join(append([]string{s.path, strconv.Itoa(level)}, parts...)...)
	}
	return filepath.Join(s.path, strconv.Itoa(level), strings.Join(parts, s.sep))
}

func parseMultiscale(attrs map[string]interface{}) (*multiscale, error) {
	raw, ok := attrs["multiscales"]
	if !ok {
		return nil, fmt.Errorf("%w: missing multiscales attribute", ErrNotStore)
	}
	// Round-trip through JSON to go from the generic attribute map to the
	// typed metadata.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotStore, err)
	}
	var ms []multiscale
	if err := json.Unmarshal(buf, &ms); err != nil || len(ms) == 0 {
		return nil, fmt.Errorf("%w: malformed multiscales attribute", ErrNotStore)
	}
	return &ms[0], nil
}

// inferFactor recovers the decimation factor from adjacent level extents.
func inferFactor(levels []models.Level) int {
	if len(levels) < 2 || levels[1].Shape.Z == 0 {
		return 2
	}
	f := int(math.Round(float64(levels[0].Shape.Z) / float64(levels[1].Shape.Z)))
	if f < 2 {
		f = 2
	}
	return f
}

// parseScale extracts the spatial unit and the level-0 voxel size from the
// multiscales axes and scale transform.
func parseScale(ms *multiscale) (string, [3]float64) {
	unit := "micrometer"
	for _, ax := range ms.Axes {
		if ax.Name == "z" && ax.Unit != "" {
			unit = ax.Unit
		}
	}
	voxel := [3]float64{1, 1, 1}
	if len(ms.Datasets) > 0 {
		for _, tr := range ms.Datasets[0].CoordinateTransformations {
			if tr.Type == "scale" && len(tr.Scale) == 5 {
				voxel = [3]float64{tr.Scale[2], tr.Scale[3], tr.Scale[4]}
			}
		}
	}
	return unit, voxel
}

func parseChannelNames(attrs map[string]interface{}) []string {
	raw, ok := attrs["omero"]
	if !ok {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var om omeroMeta
	if err := json.Unmarshal(buf, &om); err != nil {
		return nil
	}
	names := make([]string, len(om.Channels))
	for i, ch := range om.Channels {
		names[i] = ch.Label
	}
	return names
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
