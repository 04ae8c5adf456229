package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/florenthaiss/ims-zarrConverter/pkg/crop"
)

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "Input OME-Zarr path")
	output := flag.String("output", "", "Output OME-Zarr path")
	zStart := flag.Int("z-start", -1, "Z start (inclusive, level-0 coordinates)")
	zEnd := flag.Int("z-end", -1, "Z end (inclusive, level-0 coordinates)")
	overwrite := flag.Bool("overwrite", false, "Overwrite the output path if it exists")
	quiet := flag.Bool("quiet", false, "Suppress per-level progress output")
	flag.Parse()

	// Validate inputs
	if *input == "" || *output == "" || *zStart < 0 || *zEnd < 0 {
		flag.Usage()
		os.Exit(1)
	}

	start := time.Now()
	res, err := crop.Run(crop.Params{
		Input:     *input,
		Output:    *output,
		ZStart:    *zStart,
		ZEnd:      *zEnd,
		Overwrite: *overwrite,
		Verbose:   !*quiet,
	})
	if err != nil {
		log.Fatalf("Crop failed: %v", err)
	}

	fmt.Printf("DONE elapsed=%.1fs output=%s levels=%d\n",
		time.Since(start).Seconds(), *output, len(res.Levels))
}
