// Package convert runs the conversion pipeline: it plans the chunk grid and
// task list, fans the tasks out to a fixed pool of workers, and aggregates
// run statistics. Each worker executes the full per-task pipeline (read,
// downsample, compress, write) on its own buffers, so peak memory is bounded
// by workers × per-task slab size rather than by the volume size.
package convert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
	"github.com/florenthaiss/ims-zarrConverter/pkg/codec"
	"github.com/florenthaiss/ims-zarrConverter/pkg/plan"
	"github.com/florenthaiss/ims-zarrConverter/pkg/zarr"
)

var (
	// ErrTasksFailed reports a run that finished but lost more tasks than
	// the configured threshold allows.
	ErrTasksFailed = errors.New("tasks failed")

	// ErrInterrupted reports a run stopped by cancellation before all tasks
	// were dispatched.
	ErrInterrupted = errors.New("run interrupted")
)

// Source is the read side of the pipeline. pkg/ims implements it for IMS
// containers; tests substitute in-memory volumes.
type Source interface {
	// Info reports the full volume shape, dtype, and channel count.
	Info() models.Volume

	// ReadSlab reads one contiguous box of a channel in z,y,x order.
	ReadSlab(channel int, region models.Box) ([]uint16, error)
}

// Params holds the conversion configuration.
type Params struct {
	// Input is the source container path (reporting only; the Source is
	// opened by the caller).
	Input string

	// Output is the store directory to create.
	Output string

	// Workers is the parallel worker count.
	Workers int

	// Chunk is the requested output chunk size per spatial axis.
	Chunk models.Dims

	// Compression names the codec ("none", "zstd", "gzip") and
	// CompressionLevel its numeric level.
	Compression      string
	CompressionLevel int

	// Factor is the pyramid decimation factor, Levels the forced level
	// count (0 = automatic).
	Factor int
	Levels int

	// MaxTasks caps the run to the first N tasks (0 = all); the store is
	// then marked as partial coverage.
	MaxTasks int

	// FailureThreshold is the number of task failures tolerated before the
	// run abandons remaining work. Zero means any failure makes the run
	// exit nonzero, though it still processes every task.
	FailureThreshold int

	// VoxelSize is the physical voxel size at level 0 (z, y, x) and Unit
	// its spatial unit, recorded in the multiscales transform.
	VoxelSize [3]float64
	Unit      string

	// Verbose enables periodic progress lines.
	Verbose bool
}

// Converter drives one conversion run.
type Converter struct {
	params *Params
	src    Source
}

// New creates a converter over an opened source.
func New(params *Params, src Source) *Converter {
	return &Converter{params: params, src: src}
}

// Run executes the conversion. Setup problems (bad chunk sizes, unknown
// codec, unwritable output) fail before any task is dispatched. Task
// failures are recorded and the run continues; the summary artifact is
// written for any run that got past setup. The returned error is non-nil
// when the run must exit nonzero.
func (c *Converter) Run(ctx context.Context) (Summary, error) {
	p := c.params
	volume := c.src.Info()

	// Everything that can be validated up front fails here, identically for
	// every task, so it is a setup error rather than a task error.
	pl, err := plan.New(plan.Spec{
		Volume:   volume,
		Chunk:    p.Chunk,
		Factor:   p.Factor,
		Levels:   p.Levels,
		MaxTasks: p.MaxTasks,
	})
	if err != nil {
		return Summary{}, err
	}
	cdc, err := codec.New(p.Compression, p.CompressionLevel)
	if err != nil {
		return Summary{}, err
	}

	store, err := zarr.Create(p.Output, pl.Levels, cdc, zarr.Meta{
		Name:      filepath.Base(p.Output),
		Channels:  volume.Channels,
		VoxelSize: p.VoxelSize,
		Unit:      p.Unit,
		Factor:    p.Factor,
		Partial:   pl.Partial,
	})
	if err != nil {
		return Summary{}, err
	}

	if p.Verbose {
		fmt.Printf("Converting %s: shape %s, %d channel(s), %d level(s), %d task(s), %d worker(s)\n",
			p.Input, volume.Shape, volume.Channels, len(pl.Levels), len(pl.Tasks), p.Workers)
	}

	stats := NewStats()
	interrupted := c.runPool(ctx, pl, store, stats)

	complete := !interrupted && int(stats.Done()+stats.Failed()) == len(pl.Tasks)
	summary := stats.Summarize(len(pl.Tasks), complete)
	summary.Input = p.Input
	summary.Output = p.Output
	summary.Workers = p.Workers
	summary.ChunkZYX = [3]int{p.Chunk.Z, p.Chunk.Y, p.Chunk.X}
	summary.Compression = p.Compression
	summary.CompressionLevel = p.CompressionLevel
	summary.Levels = len(pl.Levels)
	summary.MaxTasks = p.MaxTasks

	// A store that did not receive every planned chunk must self-describe
	// as incomplete coverage so downstream consumers are not misled.
	if !summary.Complete && !pl.Partial {
		if err := store.SetRootAttr("partial", true); err != nil {
			return summary, err
		}
	}
	if err := WriteSummary(p.Output, summary); err != nil {
		return summary, err
	}

	if failed := stats.Failed(); failed > int64(p.FailureThreshold) && failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d (see %s)",
			ErrTasksFailed, failed, len(pl.Tasks), StatsFile)
	}
	if interrupted {
		return summary, ErrInterrupted
	}
	return summary, nil
}

// runPool fans the planned tasks out to the worker pool and blocks until
// they are drained or the context is canceled. Returns true when dispatch
// stopped early.
func (c *Converter) runPool(ctx context.Context, pl *plan.Plan, store *zarr.Store, stats *Stats) bool {
	p := c.params
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	// The pool aborts dispatch once failures pass the threshold; a single
	// bad region should not doom a multi-hour run, but a systemic problem
	// (full disk, unreadable source) should stop wasting work.
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan models.Task)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				res := executeTask(c.src, store, pl.Levels, p.Factor, task)
				if res.Err != nil {
					fmt.Printf("task %d failed at z=%d y=%d x=%d c=%d: %v\n",
						task.Index, task.Region.Off.Z, task.Region.Off.Y,
						task.Region.Off.X, task.Channel, res.Err)
				}
				stats.Record(res)
				if p.FailureThreshold > 0 && stats.Failed() > int64(p.FailureThreshold) {
					cancel()
				}
			}
		}()
	}

	if p.Verbose {
		go c.reportProgress(poolCtx, pl, stats)
	}

	interrupted := false
dispatch:
	for _, task := range pl.Tasks {
		select {
		case tasks <- task:
		case <-poolCtx.Done():
			interrupted = ctx.Err() != nil || stats.Failed() > int64(p.FailureThreshold)
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()
	return interrupted
}

// reportProgress prints a progress line every ten seconds, matching the
// cadence long conversions are monitored at.
func (c *Converter) reportProgress(ctx context.Context, pl *plan.Plan, stats *Stats) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			read := stats.BytesRead()
			pct := 100 * float64(read) / float64(max(pl.TotalBytes, 1))
			mbps := float64(read) / 1048576.0 / time.Since(start).Seconds()
			fmt.Printf("progress=%.1f%% read=%s tasks=%d/%d failed=%d rate=%.1f MB/s\n",
				pct, humanize.IBytes(uint64(read)), stats.Done(), len(pl.Tasks),
				stats.Failed(), mbps)
		}
	}
}
