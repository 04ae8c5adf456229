// Package plan computes the per-level chunk grids of an output pyramid and
// turns them into an ordered list of independent write tasks. Task regions
// are aligned so that no two tasks ever touch the same output chunk at any
// level, which is what lets the worker pool run without locks.
package plan

import (
	"errors"
	"fmt"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
)

// Planning failures are configuration errors: they abort the run before any
// task is dispatched.
var (
	ErrInvalidChunkSize = errors.New("invalid chunk size")
	ErrInvalidFactor    = errors.New("invalid decimation factor")
)

// MaxLevels caps automatic level selection so degenerate shapes cannot
// produce an unbounded pyramid.
const MaxLevels = 10

// Spec holds the planner inputs for one conversion run.
type Spec struct {
	// Volume is the full source array as reported by the source adapter.
	Volume models.Volume

	// Chunk is the requested chunk size per spatial axis. It is clamped to
	// each level's extent when a level is smaller than the chunk.
	Chunk models.Dims

	// Factor is the integer decimation factor applied per spatial axis when
	// deriving each coarser level.
	Factor int

	// Levels forces the pyramid depth. Zero selects the depth automatically:
	// levels are added while any spatial extent still exceeds its chunk size.
	Levels int

	// MaxTasks, when positive, emits only the first N tasks in planner order.
	// This is an intentional partial-conversion mode used for benchmarking;
	// the resulting store is marked as partial coverage.
	MaxTasks int
}

// Plan is the complete task breakdown for a run.
type Plan struct {
	Levels []models.Level
	Tasks  []models.Task

	// Partial is true when MaxTasks trimmed the task list.
	Partial bool

	// TotalBytes is the raw level-0 volume covered by the emitted tasks,
	// used for progress percentages.
	TotalBytes int64
}

// LevelShape returns the spatial extent of the given pyramid level. Each
// level divides the previous one by the factor with ceiling rounding; the
// extent never drops below one voxel.
func LevelShape(shape models.Dims, level, factor int) models.Dims {
	for i := 0; i < level; i++ {
		shape = models.Dims{
			Z: ceilDiv(shape.Z, factor),
			Y: ceilDiv(shape.Y, factor),
			X: ceilDiv(shape.X, factor),
		}
	}
	return shape
}

// GridDims returns the number of chunks per spatial axis for a level shape.
func GridDims(shape, chunk models.Dims) models.Dims {
	return models.Dims{
		Z: ceilDiv(shape.Z, chunk.Z),
		Y: ceilDiv(shape.Y, chunk.Y),
		X: ceilDiv(shape.X, chunk.X),
	}
}

// New validates the spec and computes levels and tasks.
func New(spec Spec) (*Plan, error) {
	if spec.Chunk.Z <= 0 || spec.Chunk.Y <= 0 || spec.Chunk.X <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidChunkSize, spec.Chunk)
	}
	if spec.Factor < 2 {
		return nil, fmt.Errorf("%w: %d (must be >= 2)", ErrInvalidFactor, spec.Factor)
	}
	if spec.Volume.Channels < 1 || spec.Volume.Shape.Elements() <= 0 {
		return nil, fmt.Errorf("%w: empty volume %s", ErrInvalidChunkSize, spec.Volume.Shape)
	}

	numLevels := spec.Levels
	if numLevels <= 0 {
		numLevels = autoLevels(spec.Volume.Shape, spec.Chunk, spec.Factor)
	}
	if numLevels > MaxLevels {
		numLevels = MaxLevels
	}

	p := &Plan{}
	for i := 0; i < numLevels; i++ {
		shape := LevelShape(spec.Volume.Shape, i, spec.Factor)
		p.Levels = append(p.Levels, models.Level{
			Index: i,
			Shape: shape,
			Chunk: clampChunk(spec.Chunk, shape),
		})
	}

	p.Tasks = buildTasks(spec, p.Levels)
	if spec.MaxTasks > 0 && spec.MaxTasks < len(p.Tasks) {
		p.Tasks = p.Tasks[:spec.MaxTasks]
		p.Partial = true
	}
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("%w: task cap %d selected no tasks", ErrInvalidChunkSize, spec.MaxTasks)
	}
	for i := range p.Tasks {
		p.TotalBytes += int64(p.Tasks[i].Region.Size.Elements()) * models.DtypeUint16Size
	}
	return p, nil
}

// Alignment returns the level-0 lattice that task regions snap to: the
// level-0 effective chunk size multiplied by factor^(levels-1) per axis.
// A region aligned to this lattice begins and ends on chunk boundaries at
// every pyramid level, which is the disjointness guarantee.
func Alignment(spec Spec, levels []models.Level) models.Dims {
	stride := 1
	for i := 1; i < len(levels); i++ {
		stride *= spec.Factor
	}
	c0 := levels[0].Chunk
	return models.Dims{Z: c0.Z * stride, Y: c0.Y * stride, X: c0.X * stride}
}

// buildTasks emits one task per aligned level-0 box per channel, ordered by
// ascending z, then y, then x, with channels innermost. The ordering gives
// reproducible scheduling and log output.
func buildTasks(spec Spec, levels []models.Level) []models.Task {
	align := Alignment(spec, levels)
	shape := spec.Volume.Shape

	var tasks []models.Task
	index := 0
	for z := 0; z < shape.Z; z += align.Z {
		for y := 0; y < shape.Y; y += align.Y {
			for x := 0; x < shape.X; x += align.X {
				size := models.Dims{
					Z: min(align.Z, shape.Z-z),
					Y: min(align.Y, shape.Y-y),
					X: min(align.X, shape.X-x),
				}
				for c := 0; c < spec.Volume.Channels; c++ {
					tasks = append(tasks, models.Task{
						Index:   index,
						Channel: c,
						Region: models.Box{
							Off:  models.Dims{Z: z, Y: y, X: x},
							Size: size,
						},
					})
					index++
				}
			}
		}
	}
	return tasks
}

// autoLevels keeps adding levels while any spatial extent still exceeds the
// requested chunk size on that axis.
func autoLevels(shape, chunk models.Dims, factor int) int {
	levels := 1
	s := shape
	for levels < MaxLevels && (s.Z > chunk.Z || s.Y > chunk.Y || s.X > chunk.X) {
		s = LevelShape(s, 1, factor)
		levels++
	}
	return levels
}

func clampChunk(chunk, shape models.Dims) models.Dims {
	return models.Dims{
		Z: min(chunk.Z, shape.Z),
		Y: min(chunk.Y, shape.Y),
		X: min(chunk.X, shape.X),
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
