// Package zarr materializes and reads the on-disk chunked array pyramid: a
// zarr v2 directory store with OME-NGFF 0.4 multiscales metadata at the
// root, one .zarray per level, and one file per chunk addressed by its grid
// coordinates. The writer half is used by the converter, the reader half by
// the crop tool; both share the same chunk layout and codec handling.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
	"github.com/florenthaiss/ims-zarrConverter/pkg/codec"
)

var (
	ErrWrite       = errors.New("store write failed")
	ErrOutOfBounds = errors.New("region out of bounds")
	ErrNotStore    = errors.New("not an OME-Zarr store")
)

// Store is one zarr pyramid rooted at a directory. Chunk writes from
// concurrent workers need no coordination because task regions are disjoint;
// only root attribute updates are serialized through the mutex.
type Store struct {
	path   string
	meta   Meta
	levels []models.Level
	cdc    *codec.Codec
	sep    string

	mu    sync.Mutex
	attrs map[string]interface{}
}

// Create initializes a new store directory: group metadata, one array
// metadata file per level, and the root multiscales/omero attributes.
// Chunk data is written afterwards by WriteTile.
func Create(path string, levels []models.Level, cdc *codec.Codec, meta Meta) (*Store, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: no levels", ErrWrite)
	}
	if meta.Unit == "" {
		meta.Unit = "micrometer"
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(path)
	}
	for i := range meta.VoxelSize {
		if meta.VoxelSize[i] <= 0 {
			meta.VoxelSize[i] = 1
		}
	}

	s := &Store{path: path, meta: meta, levels: levels, cdc: cdc, sep: "/"}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating store root: %v", ErrWrite, err)
	}
	if err := writeJSON(filepath.Join(path, groupFile), groupMeta{ZarrFormat: zarrFormat}); err != nil {
		return nil, err
	}

	for _, lvl := range levels {
		dir := filepath.Join(path, strconv.Itoa(lvl.Index))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating level dir: %v", ErrWrite, err)
		}
		am := arrayMeta{
			ZarrFormat:         zarrFormat,
			Shape:              shape5(meta.Channels, lvl.Shape),
			Chunks:             chunk5(lvl.Chunk),
			Dtype:              models.DtypeUint16,
			Compressor:         cdc.ZarrCompressor(),
			FillValue:          0,
			Order:              "C",
			Filters:            nil,
			DimensionSeparator: "/",
		}
		if err := writeJSON(filepath.Join(dir, arrayFile), am); err != nil {
			return nil, err
		}
	}

	s.attrs = rootAttrs(meta, levels)
	if err := s.flushAttrs(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the store root directory.
func (s *Store) Path() string { return s.path }

// Levels returns the pyramid geometry, finest first.
func (s *Store) Levels() []models.Level { return s.levels }

// Codec returns the codec recorded in the store's array metadata.
func (s *Store) Codec() *codec.Codec { return s.cdc }

// Meta returns the store-level description.
func (s *Store) Meta() Meta { return s.meta }

// WriteTile persists one task's tile for a level: the row-major z,y,x data
// covering region is cut into grid chunks, padded to the full chunk shape at
// volume boundaries (the zarr on-disk contract), compressed, and written one
// file per chunk. The region offset must lie on the level's chunk lattice.
// Returns the compressed bytes written.
func (s *Store) WriteTile(level, channel int, region models.Box, data []uint16) (int64, error) {
	if level < 0 || level >= len(s.levels) {
		return 0, fmt.Errorf("%w: level %d", ErrOutOfBounds, level)
	}
	lvl := s.levels[level]
	off, size := region.Off, region.Size
	if off.Z < 0 || off.Y < 0 || off.X < 0 ||
		off.Z+size.Z > lvl.Shape.Z || off.Y+size.Y > lvl.Shape.Y || off.X+size.X > lvl.Shape.X {
		return 0, fmt.Errorf("%w: region %v+%v outside level %d shape %v",
			ErrOutOfBounds, off, size, level, lvl.Shape)
	}
	if off.Z%lvl.Chunk.Z != 0 || off.Y%lvl.Chunk.Y != 0 || off.X%lvl.Chunk.X != 0 {
		return 0, fmt.Errorf("%w: region offset %v not chunk aligned for level %d",
			ErrOutOfBounds, off, level)
	}
	if len(data) != size.Elements() {
		return 0, fmt.Errorf("%w: tile has %d elements, region needs %d",
			ErrOutOfBounds, len(data), size.Elements())
	}

	chunkBuf := make([]byte, lvl.Chunk.Elements()*models.DtypeUint16Size)
	var written int64

	for zi := off.Z / lvl.Chunk.Z; zi*lvl.Chunk.Z < off.Z+size.Z; zi++ {
		for yi := off.Y / lvl.Chunk.Y; yi*lvl.Chunk.Y < off.Y+size.Y; yi++ {
			for xi := off.X / lvl.Chunk.X; xi*lvl.Chunk.X < off.X+size.X; xi++ {
				n, err := s.writeChunk(lvl, channel, zi, yi, xi, region, data, chunkBuf)
				if err != nil {
					return written, err
				}
				written += n
			}
		}
	}
	return written, nil
}

// writeChunk assembles one padded chunk from the tile and persists it.
func (s *Store) writeChunk(lvl models.Level, channel, zi, yi, xi int, region models.Box, data []uint16, chunkBuf []byte) (int64, error) {
	c := lvl.Chunk
	// Zero the scratch buffer; boundary chunks keep the zero fill value
	// beyond the array edge.
	for i := range chunkBuf {
		chunkBuf[i] = 0
	}

	// Extent of real data inside this chunk.
	cz := min(c.Z, lvl.Shape.Z-zi*c.Z)
	cy := min(c.Y, lvl.Shape.Y-yi*c.Y)
	cx := min(c.X, lvl.Shape.X-xi*c.X)

	for z := 0; z < cz; z++ {
		srcZ := zi*c.Z + z - region.Off.Z
		for y := 0; y < cy; y++ {
			srcY := yi*c.Y + y - region.Off.Y
			srcRow := (srcZ*region.Size.Y+srcY)*region.Size.X + (xi*c.X - region.Off.X)
			dstRow := (z*c.Y + y) * c.X * models.DtypeUint16Size
			for x := 0; x < cx; x++ {
				binary.LittleEndian.PutUint16(chunkBuf[dstRow+x*2:], data[srcRow+x])
			}
		}
	}

	payload, err := s.cdc.Compress(chunkBuf)
	if err != nil {
		return 0, err
	}

	p := s.chunkFile(lvl.Index, channel, zi, yi, xi)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.WriteFile(p, payload, 0644); err != nil {
		return 0, fmt.Errorf("%w: chunk %d/%d/%d/%d: %v", ErrWrite, lvl.Index, zi, yi, xi, err)
	}
	return int64(len(payload)), nil
}

// SetRootAttr updates one root attribute. Updates are serialized: the root
// .zattrs is the only store file mutated after creation.
func (s *Store) SetRootAttr(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
	return s.flushAttrs()
}

// flushAttrs rewrites the root attribute file. Callers hold the mutex except
// during single-threaded creation.
func (s *Store) flushAttrs() error {
	return writeJSON(filepath.Join(s.path, attrsFile), s.attrs)
}

// rootAttrs builds the root attribute map: multiscales, omero rendering
// hints, and the partial-coverage marker for capped runs.
func rootAttrs(meta Meta, levels []models.Level) map[string]interface{} {
	datasets := make([]datasetMeta, len(levels))
	for i, lvl := range levels {
		datasets[i] = datasetMeta{
			Path: strconv.Itoa(lvl.Index),
			CoordinateTransformations: []coordTransform{
				{Type: "scale", Scale: levelScale(meta, lvl.Index)},
			},
		}
	}

	channels := make([]omeroChannel, meta.Channels)
	for i := range channels {
		label := strconv.Itoa(i)
		if i < len(meta.ChannelNames) && meta.ChannelNames[i] != "" {
			label = meta.ChannelNames[i]
		}
		channels[i] = omeroChannel{
			Label:       label,
			Color:       "FFFFFF",
			Window:      omeroWindow{Min: 0, Max: 65535, Start: 0, End: 65535},
			Active:      true,
			Coefficient: 1,
			Family:      "linear",
		}
	}

	attrs := map[string]interface{}{
		"multiscales": []multiscale{{
			Version: "0.4",
			Name:    meta.Name,
			Axes: []axis{
				{Name: "t", Type: "time", Unit: "second"},
				{Name: "c", Type: "channel"},
				{Name: "z", Type: "space", Unit: meta.Unit},
				{Name: "y", Type: "space", Unit: meta.Unit},
				{Name: "x", Type: "space", Unit: meta.Unit},
			},
			Datasets: datasets,
			Type:     MultiscaleType,
		}},
		"omero": omeroMeta{
			Version:  "0.4",
			Name:     meta.Name,
			Channels: channels,
			Rdefs:    omeroRdefs{Model: "color"},
		},
	}
	if meta.Partial {
		attrs["partial"] = true
	}
	return attrs
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling %s: %v", ErrWrite, filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}
