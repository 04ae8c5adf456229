// Package crop produces a new store restricted to an inclusive level-0 Z
// range. It reuses the zarr reader/writer machinery: every level's cropped
// shape and chunk grid are recomputed with the same ceiling rounding the
// pyramid was built with, so the output is a standalone, internally
// consistent pyramid with no reference to the uncropped original beyond a
// provenance record in its root attributes.
package crop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
	"github.com/florenthaiss/ims-zarrConverter/pkg/zarr"
)

var ErrDestinationExists = errors.New("destination already exists")

// Params holds the crop configuration.
type Params struct {
	// Input is the source store, Output the store to create.
	Input  string
	Output string

	// ZStart and ZEnd bound the crop in level-0 coordinates, inclusive.
	ZStart int
	ZEnd   int

	// Overwrite replaces an existing output path instead of failing.
	Overwrite bool

	// Verbose enables per-level progress lines.
	Verbose bool
}

// Result reports what was copied per level.
type Result struct {
	Levels []LevelResult
}

// LevelResult is the crop outcome for one level.
type LevelResult struct {
	Index    int
	SrcStart int
	Shape    models.Dims
}

// Run executes the crop.
func Run(p Params) (*Result, error) {
	src, err := zarr.Open(p.Input)
	if err != nil {
		return nil, err
	}

	level0 := src.Levels()[0]
	if p.ZStart < 0 || p.ZEnd < p.ZStart || p.ZEnd >= level0.Shape.Z {
		return nil, fmt.Errorf("%w: z range [%d, %d] outside level-0 extent %d",
			zarr.ErrOutOfBounds, p.ZStart, p.ZEnd, level0.Shape.Z)
	}

	if _, err := os.Stat(p.Output); err == nil {
		if !p.Overwrite {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, p.Output)
		}
		if err := os.RemoveAll(p.Output); err != nil {
			return nil, fmt.Errorf("removing existing output: %w", err)
		}
	}

	factor := src.Meta().Factor
	dstLevels, srcStarts := cropLevels(src.Levels(), factor, p.ZStart, p.ZEnd)

	meta := src.Meta()
	meta.Name = filepath.Base(p.Output)
	dst, err := zarr.Create(p.Output, dstLevels, src.Codec(), meta)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for i, lvl := range dstLevels {
		if err := copyLevel(src, dst, lvl, srcStarts[i], src.Meta().Channels); err != nil {
			return nil, fmt.Errorf("level %d: %w", lvl.Index, err)
		}
		res.Levels = append(res.Levels, LevelResult{Index: lvl.Index, SrcStart: srcStarts[i], Shape: lvl.Shape})
		if p.Verbose {
			fmt.Printf("level=%d src_z=%d:%d dst_shape=%s\n",
				lvl.Index, srcStarts[i], srcStarts[i]+lvl.Shape.Z, lvl.Shape)
		}
	}

	err = dst.SetRootAttr("crop", zarr.CropRecord{
		Source:          filepath.Base(p.Input),
		ZStartInclusive: p.ZStart,
		ZEndInclusive:   p.ZEnd,
		TimestampUTC:    time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// cropLevels computes every level's cropped geometry. The cropped extent at
// level k is ceil(extent0 / factor^k), the same rounding the pyramid builder
// applies to shapes, which keeps the level-shape invariant intact and makes
// cropping idempotent: re-cropping the result over its full range reproduces
// it exactly. The source start is floor(start0 / factor^k), pulled back when
// the window would overrun the source level.
func cropLevels(levels []models.Level, factor, zStart, zEnd int) ([]models.Level, []int) {
	extent0 := zEnd - zStart + 1

	dst := make([]models.Level, len(levels))
	starts := make([]int, len(levels))
	div := 1
	extent := extent0
	for i, lvl := range levels {
		if i > 0 {
			div *= factor
			extent = (extent + factor - 1) / factor
		}
		start := zStart / div
		if start+extent > lvl.Shape.Z {
			start = lvl.Shape.Z - extent
		}
		shape := models.Dims{Z: extent, Y: lvl.Shape.Y, X: lvl.Shape.X}
		dst[i] = models.Level{
			Index: lvl.Index,
			Shape: shape,
			Chunk: models.Dims{
				Z: min(lvl.Chunk.Z, shape.Z),
				Y: min(lvl.Chunk.Y, shape.Y),
				X: min(lvl.Chunk.X, shape.X),
			},
		}
		starts[i] = start
	}
	return dst, starts
}

// copyLevel streams one level slab by slab. Slabs are sized to the output
// chunk depth so destination writes stay on the chunk lattice.
func copyLevel(src, dst *zarr.Store, lvl models.Level, srcStart, channels int) error {
	slab := lvl.Chunk.Z
	for c := 0; c < channels; c++ {
		for z0 := 0; z0 < lvl.Shape.Z; z0 += slab {
			z1 := min(z0+slab, lvl.Shape.Z)
			data, err := src.ReadZSlab(lvl.Index, c, srcStart+z0, srcStart+z1)
			if err != nil {
				return err
			}
			region := models.Box{
				Off:  models.Dims{Z: z0, Y: 0, X: 0},
				Size: models.Dims{Z: z1 - z0, Y: lvl.Shape.Y, X: lvl.Shape.X},
			}
			if _, err := dst.WriteTile(lvl.Index, c, region, data); err != nil {
				return err
			}
		}
	}
	return nil
}
