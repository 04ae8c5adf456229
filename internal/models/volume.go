package models

import "fmt"

// Dtype identifies the element type of a volume. The converter currently
// handles the native Imaris acquisition type, little-endian uint16, which is
// recorded in zarr metadata as "<u2".
const (
	DtypeUint16     = "<u2"
	DtypeUint16Size = 2
)

// Dims holds the spatial extent of a volume or tile in z, y, x order.
type Dims struct {
	Z, Y, X int
}

// Elements returns the number of voxels covered by the extent.
func (d Dims) Elements() int {
	return d.Z * d.Y * d.X
}

func (d Dims) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.Z, d.Y, d.X)
}

// Volume describes the full source array for the duration of a run.
// It is immutable once the source container has been opened.
type Volume struct {
	// Channels is the number of acquisition channels in the source.
	Channels int

	// Shape is the spatial extent of a single channel at full resolution.
	Shape Dims

	// Dtype is the element type descriptor ("<u2").
	Dtype string
}

// Bytes returns the total raw size of the volume across all channels.
func (v Volume) Bytes() int64 {
	return int64(v.Channels) * int64(v.Shape.Elements()) * DtypeUint16Size
}

// Level describes one pyramid level's geometry: its spatial extent and the
// effective chunk size used by its chunk grid.
type Level struct {
	// Index is the level number; 0 is full resolution.
	Index int

	// Shape is the spatial extent of the level.
	Shape Dims

	// Chunk is the effective chunk size at this level.
	Chunk Dims
}

// Box is an axis-aligned region of a level, [Off, Off+Size) per axis.
type Box struct {
	Off  Dims
	Size Dims
}

// Task is one independent unit of work: a level-0 box whose origin and extent
// are aligned so that the chunks it produces at every pyramid level are
// disjoint from those of every other task. Workers execute tasks with no
// shared mutable state beyond the task queue and the statistics accumulator.
type Task struct {
	// Index is the position of the task in planner order (ascending z, y, x).
	Index int

	// Channel selects which source channel the task reads.
	Channel int

	// Region is the level-0 box covered by this task.
	Region Box
}

// TaskResult reports the outcome of one executed task.
type TaskResult struct {
	Task Task

	// BytesRead is the raw slab size pulled from the source.
	BytesRead int64

	// BytesWritten is the total compressed chunk size persisted.
	BytesWritten int64

	// Seconds is the wall time the task took inside the worker.
	Seconds float64

	// Err is non-nil when the task failed; the run continues regardless.
	Err error
}
