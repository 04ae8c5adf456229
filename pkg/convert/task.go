package convert

import (
	"fmt"
	"time"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
	"github.com/florenthaiss/ims-zarrConverter/pkg/downsample"
	"github.com/florenthaiss/ims-zarrConverter/pkg/zarr"
)

// executeTask runs the full pipeline for one task: pull the level-0 slab
// from the source, write its chunks, then repeatedly block-mean the tile
// down and write each coarser level. It is a pure function of its arguments
// with no shared mutable state, so the scheduler can run any number of them
// concurrently and tests can drive it directly.
//
// The task region is aligned to the coarsest level's chunk lattice, so the
// scaled region offset stays on chunk boundaries at every level and the
// chunks written here belong to this task alone.
func executeTask(src Source, store *zarr.Store, levels []models.Level, factor int, task models.Task) models.TaskResult {
	start := time.Now()
	res := models.TaskResult{Task: task}

	tile, err := src.ReadSlab(task.Channel, task.Region)
	if err != nil {
		res.Err = fmt.Errorf("reading slab: %w", err)
		res.Seconds = time.Since(start).Seconds()
		return res
	}
	res.BytesRead = int64(len(tile)) * models.DtypeUint16Size

	size := task.Region.Size
	off := task.Region.Off
	for _, lvl := range levels {
		if lvl.Index > 0 {
			tile, size = downsample.BlockMean(tile, size, factor)
			// The aligned offset divides evenly at every level.
			off = models.Dims{Z: off.Z / factor, Y: off.Y / factor, X: off.X / factor}
		}
		n, err := store.WriteTile(lvl.Index, task.Channel, models.Box{Off: off, Size: size}, tile)
		res.BytesWritten += n
		if err != nil {
			res.Err = fmt.Errorf("writing level %d: %w", lvl.Index, err)
			break
		}
	}
	res.Seconds = time.Since(start).Seconds()
	return res
}
