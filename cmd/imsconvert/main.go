package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
	"github.com/florenthaiss/ims-zarrConverter/pkg/config"
	"github.com/florenthaiss/ims-zarrConverter/pkg/convert"
	"github.com/florenthaiss/ims-zarrConverter/pkg/ims"
)

func main() {
	// Parse command line arguments; flag defaults come from the built-in
	// configuration, and a config file fills in whatever flags the command
	// line leaves unset.
	cfg := config.DefaultConfig()

	configPath := flag.String("config", "", "Optional YAML configuration file")
	input := flag.String("input", "", "Input .ims path")
	output := flag.String("output", "", "Output OME-Zarr directory")
	workers := flag.Int("workers", cfg.Processing.Workers, "Number of parallel workers")
	chunkZ := flag.Int("chunk-z", cfg.Processing.ChunkZ, "Output chunk size along z")
	chunkY := flag.Int("chunk-y", cfg.Processing.ChunkY, "Output chunk size along y")
	chunkX := flag.Int("chunk-x", cfg.Processing.ChunkX, "Output chunk size along x")
	compression := flag.String("compression", cfg.Compression.Algorithm, "Compression codec: none, zstd or gzip")
	clevel := flag.Int("clevel", cfg.Compression.Level, "Compression level")
	factor := flag.Int("factor", cfg.Processing.Factor, "Pyramid decimation factor per spatial axis")
	levels := flag.Int("levels", cfg.Processing.Levels, "Pyramid level count (0 = automatic)")
	maxTasks := flag.Int("max-tasks", cfg.Processing.MaxTasks,
		"Benchmark mode: only process the first N tasks (0 = all); the store is marked partial")
	failureThreshold := flag.Int("failure-threshold", cfg.Processing.FailureThreshold,
		"Abandon the run after this many task failures (0 = finish all tasks, exit nonzero on any failure)")
	voxelZ := flag.Float64("voxel-z", cfg.Geometry.VoxelZ, "Physical voxel size along z")
	voxelY := flag.Float64("voxel-y", cfg.Geometry.VoxelY, "Physical voxel size along y")
	voxelX := flag.Float64("voxel-x", cfg.Geometry.VoxelX, "Physical voxel size along x")
	unit := flag.String("unit", cfg.Geometry.Unit, "Spatial unit for the output metadata")
	quiet := flag.Bool("quiet", !cfg.Output.Verbose, "Suppress progress output")
	flag.Parse()

	// Validate inputs
	if *input == "" || *output == "" {
		flag.Usage()
		os.Exit(1)
	}

	if *configPath != "" {
		fileCfg, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		applyUnsetFlags(fileCfg, workers, chunkZ, chunkY, chunkX, compression, clevel,
			factor, levels, maxTasks, failureThreshold, voxelZ, voxelY, voxelX, unit)
	}

	// Open the source container; open failures are fatal before any work.
	src, err := ims.Open(*input)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	info := src.Info()
	fmt.Printf("Opened %s: shape %s, %d channel(s), dtype %s\n",
		*input, info.Shape, info.Channels, info.Dtype)

	params := &convert.Params{
		Input:            *input,
		Output:           *output,
		Workers:          *workers,
		Chunk:            models.Dims{Z: *chunkZ, Y: *chunkY, X: *chunkX},
		Compression:      *compression,
		CompressionLevel: *clevel,
		Factor:           *factor,
		Levels:           *levels,
		MaxTasks:         *maxTasks,
		FailureThreshold: *failureThreshold,
		VoxelSize:        [3]float64{*voxelZ, *voxelY, *voxelX},
		Unit:             *unit,
		Verbose:          !*quiet,
	}

	// An interrupt stops dispatching new tasks, lets in-flight tasks finish,
	// and still writes the statistics artifact marked incomplete.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := convert.New(params, src).Run(ctx)
	if err != nil {
		if errors.Is(err, convert.ErrTasksFailed) || errors.Is(err, convert.ErrInterrupted) {
			printSummary(summary)
		}
		log.Fatalf("Conversion failed: %v", err)
	}

	printSummary(summary)
}

// applyUnsetFlags copies config-file values into every flag the command line
// did not set explicitly, so precedence is flags > file > defaults.
func applyUnsetFlags(cfg *config.Config, workers, chunkZ, chunkY, chunkX *int,
	compression *string, clevel, factor, levels, maxTasks, failureThreshold *int,
	voxelZ, voxelY, voxelX *float64, unit *string) {

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["workers"] {
		*workers = cfg.Processing.Workers
	}
	if !set["chunk-z"] {
		*chunkZ = cfg.Processing.ChunkZ
	}
	if !set["chunk-y"] {
		*chunkY = cfg.Processing.ChunkY
	}
	if !set["chunk-x"] {
		*chunkX = cfg.Processing.ChunkX
	}
	if !set["compression"] {
		*compression = cfg.Compression.Algorithm
	}
	if !set["clevel"] {
		*clevel = cfg.Compression.Level
	}
	if !set["factor"] {
		*factor = cfg.Processing.Factor
	}
	if !set["levels"] {
		*levels = cfg.Processing.Levels
	}
	if !set["max-tasks"] {
		*maxTasks = cfg.Processing.MaxTasks
	}
	if !set["failure-threshold"] {
		*failureThreshold = cfg.Processing.FailureThreshold
	}
	if !set["voxel-z"] {
		*voxelZ = cfg.Geometry.VoxelZ
	}
	if !set["voxel-y"] {
		*voxelY = cfg.Geometry.VoxelY
	}
	if !set["voxel-x"] {
		*voxelX = cfg.Geometry.VoxelX
	}
	if !set["unit"] {
		*unit = cfg.Geometry.Unit
	}
}

func printSummary(s convert.Summary) {
	fmt.Printf("\nDONE elapsed=%.1fs read=%s written=%s throughput=%.2f MB/s tasks=%d/%d failed=%d\n",
		s.ElapsedSeconds,
		humanize.IBytes(uint64(s.BytesRead)),
		humanize.IBytes(uint64(s.BytesWritten)),
		s.ThroughputMBps,
		s.TasksCompleted, s.TasksTotal, s.TasksFailed)
	fmt.Printf("Statistics written to %s/%s\n", s.Output, convert.StatsFile)
}
