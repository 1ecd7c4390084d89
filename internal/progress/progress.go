// Package progress renders the driver's human-readable progress line
// (spec.md §4.4): rolling throughput and ETA, emitted at a configured
// wall-clock interval and only when standard output is a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

// Reporter tracks one worker's block counters and periodically renders a
// progress line prefixed with the worker index, matching n-backup's
// worker-attributed terminal output style.
type Reporter struct {
	workerIndex int
	blockSize   int64
	totalBlocks int64

	same atomic.Int64
	diff atomic.Int64

	out      io.Writer
	interval time.Duration
	start    time.Time
	lastTime time.Time
	lastDone int64

	done chan struct{}
}

// IsTerminal reports whether w is a terminal, used to gate progress output
// the way spec.md §4.4 requires ("when stdout is a terminal").
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// NewReporter creates a Reporter. If interval <= 0 or out is not a
// terminal, the returned Reporter's Start and Stop are no-ops and Same/Diff
// only bump counters, so callers don't need to branch on configuration.
func NewReporter(workerIndex int, blockSize int64, totalBlocks int64, interval time.Duration, out io.Writer) *Reporter {
	r := &Reporter{
		workerIndex: workerIndex,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		out:         out,
		interval:    interval,
		done:        make(chan struct{}),
	}
	return r
}

// Start begins the periodic render loop, if enabled. Safe to call on a
// disabled Reporter (interval <= 0 or non-terminal output): it does nothing.
func (r *Reporter) Start() {
	if r.interval <= 0 || !IsTerminal(r.out) {
		return
	}
	r.start = time.Now()
	r.lastTime = r.start
	go r.loop()
}

func (r *Reporter) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.render()
		}
	}
}

// Same records one SAME verdict.
func (r *Reporter) Same() { r.same.Add(1) }

// Diff records one DIFF verdict.
func (r *Reporter) Diff() { r.diff.Add(1) }

// Stop halts the render loop and prints a final summary line.
func (r *Reporter) Stop() {
	if r.interval <= 0 || !IsTerminal(r.out) {
		return
	}
	close(r.done)
	r.render()
}

func (r *Reporter) render() {
	same := r.same.Load()
	diff := r.diff.Load()
	done := same + diff

	now := time.Now()
	elapsedTotal := now.Sub(r.start)
	sinceLast := now.Sub(r.lastTime)
	bytesSinceLast := (done - r.lastDone) * r.blockSize

	var throughput float64
	if sinceLast > 0 {
		throughput = float64(bytesSinceLast) / sinceLast.Seconds()
	}

	eta := "?"
	if done > 0 && r.totalBlocks > done {
		remaining := r.totalBlocks - done
		etaSec := (float64(remaining) * elapsedTotal.Seconds()) / float64(done)
		eta = time.Duration(etaSec * float64(time.Second)).Round(time.Second).String()
	} else if done >= r.totalBlocks {
		eta = "0s"
	}

	fmt.Fprintf(r.out, "[worker %d] %d/%d blocks (same=%d diff=%d) %.1f MB/s elapsed=%s eta=%s\n",
		r.workerIndex, done, r.totalBlocks, same, diff,
		throughput/(1024*1024), elapsedTotal.Round(time.Second), eta)

	r.lastTime = now
	r.lastDone = done
}
