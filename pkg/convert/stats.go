package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
)

// StatsFile is the sidecar artifact written into the output store at the end
// of every run that got past setup, successful or not.
const StatsFile = "conversion_stats.json"

// Stats accumulates per-task counters during a run. Workers increment it
// concurrently: the hot counters are atomics, the failure list and duration
// samples sit behind a mutex. It is passed explicitly to whoever needs it,
// never kept as a package global.
type Stats struct {
	start time.Time

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	tasksDone    atomic.Int64
	tasksFailed  atomic.Int64

	mu        sync.Mutex
	durations []float64
	failures  []FailedTask
}

// FailedTask records the coordinates and cause of one failed task so a
// partial run is diagnosable from the output directory alone.
type FailedTask struct {
	Index   int    `json:"index"`
	Channel int    `json:"channel"`
	Z       int    `json:"z"`
	Y       int    `json:"y"`
	X       int    `json:"x"`
	Error   string `json:"error"`
}

// NewStats starts the wall clock for a run.
func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

// Record folds one task result into the counters.
func (st *Stats) Record(res models.TaskResult) {
	if res.Err != nil {
		st.tasksFailed.Add(1)
		st.mu.Lock()
		st.failures = append(st.failures, FailedTask{
			Index:   res.Task.Index,
			Channel: res.Task.Channel,
			Z:       res.Task.Region.Off.Z,
			Y:       res.Task.Region.Off.Y,
			X:       res.Task.Region.Off.X,
			Error:   res.Err.Error(),
		})
		st.mu.Unlock()
		return
	}
	st.tasksDone.Add(1)
	st.bytesRead.Add(res.BytesRead)
	st.bytesWritten.Add(res.BytesWritten)
	st.mu.Lock()
	st.durations = append(st.durations, res.Seconds)
	st.mu.Unlock()
}

// BytesRead returns the raw bytes pulled from the source so far.
func (st *Stats) BytesRead() int64 { return st.bytesRead.Load() }

// Done returns the number of completed tasks so far.
func (st *Stats) Done() int64 { return st.tasksDone.Load() }

// Failed returns the number of failed tasks so far.
func (st *Stats) Failed() int64 { return st.tasksFailed.Load() }

// TaskSeconds summarizes the per-task wall times of the completed tasks.
type TaskSeconds struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// Summary is the final run report serialized to the statistics sidecar.
type Summary struct {
	Input            string       `json:"input"`
	Output           string       `json:"output"`
	Workers          int          `json:"workers"`
	ChunkZYX         [3]int       `json:"chunk_zyx"`
	Compression      string       `json:"compression"`
	CompressionLevel int          `json:"compression_level"`
	Levels           int          `json:"levels"`
	MaxTasks         int          `json:"max_tasks"`
	ElapsedSeconds   float64      `json:"elapsed_seconds"`
	BytesRead        int64        `json:"bytes_read"`
	BytesWritten     int64        `json:"bytes_written"`
	ThroughputMBps   float64      `json:"throughput_MBps"`
	TasksTotal       int          `json:"tasks_total"`
	TasksCompleted   int64        `json:"tasks_completed"`
	TasksFailed      int64        `json:"tasks_failed"`
	Complete         bool         `json:"complete"`
	TaskSeconds      TaskSeconds  `json:"task_seconds"`
	FailedTasks      []FailedTask `json:"failed_tasks"`
}

// Summarize finalizes the counters into the run summary. complete is false
// for interrupted or abandoned runs.
func (st *Stats) Summarize(totalTasks int, complete bool) Summary {
	elapsed := time.Since(st.start).Seconds()
	read := st.bytesRead.Load()

	st.mu.Lock()
	durations := append([]float64(nil), st.durations...)
	failures := append([]FailedTask(nil), st.failures...)
	st.mu.Unlock()

	var ts TaskSeconds
	if len(durations) > 0 {
		sort.Float64s(durations)
		ts = TaskSeconds{
			Mean:   stat.Mean(durations, nil),
			Median: stat.Quantile(0.5, stat.Empirical, durations, nil),
			P95:    stat.Quantile(0.95, stat.Empirical, durations, nil),
		}
	}

	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(read) / 1048576.0 / elapsed
	}

	return Summary{
		ElapsedSeconds: elapsed,
		BytesRead:      read,
		BytesWritten:   st.bytesWritten.Load(),
		ThroughputMBps: throughput,
		TasksTotal:     totalTasks,
		TasksCompleted: st.tasksDone.Load(),
		TasksFailed:    st.tasksFailed.Load(),
		Complete:       complete && st.tasksFailed.Load() == 0,
		TaskSeconds:    ts,
		FailedTasks:    failures,
	}
}

// WriteSummary persists the summary as the statistics sidecar inside the
// output store directory.
func WriteSummary(dir string, sum Summary) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, StatsFile), data, 0644); err != nil {
		return fmt.Errorf("writing run summary: %w", err)
	}
	return nil
}
