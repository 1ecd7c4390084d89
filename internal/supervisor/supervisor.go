// Package supervisor orchestrates a full blocksync run: it partitions the
// source device into per-worker chunks, spawns a driver/agent pair for
// each, and reaps them to a single exit code (spec.md §4.5).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/blocksync/internal/config"
	"github.com/nishisan-dev/blocksync/internal/driver"
	"github.com/nishisan-dev/blocksync/internal/transport"
)

// ErrAllWorkersDead wraps the aggregate error of an aborted run: at least
// one worker exited non-zero, and every live survivor was terminated.
var ErrAllWorkersDead = errors.New("supervisor: run aborted, one or more workers failed")

// Options configures one supervised run.
type Options struct {
	Params *config.Params
	Logger *slog.Logger
	Stdout io.Writer
}

// Chunk is one worker's byte-range assignment over the source device.
type Chunk struct {
	Start  int64
	Length int64
}

// Partition splits [0, sourceSize) into workers chunks per I1: successive
// start offsets are i·⌊size/W⌋, and the final chunk absorbs the remainder
// so the union covers the whole device exactly once.
func Partition(sourceSize int64, workers int) []Chunk {
	chunkSize := sourceSize / int64(workers)
	chunks := make([]Chunk, workers)
	for i := 0; i < workers; i++ {
		start := int64(i) * chunkSize
		length := chunkSize
		if i == workers-1 {
			length = sourceSize - start
		}
		chunks[i] = Chunk{Start: start, Length: length}
	}
	return chunks
}

// workerOutcome is what a worker goroutine reports back to the reaper.
type workerOutcome struct {
	index  int
	result driver.Result
	err    error
}

// Run partitions the source device, spawns Params.Workers driver/agent
// pairs, and blocks until all have been reaped. It returns a process exit
// code (0 on full success, 1 otherwise) and the first error encountered.
func Run(ctx context.Context, opts Options) (int, error) {
	p := opts.Params

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	srcInfo, err := os.Stat(p.SourceDevice)
	if err != nil {
		return 1, fmt.Errorf("supervisor: accessing source device: %w", err)
	}
	sourceSize := srcInfo.Size()

	if err := destructiveBanner(ctx, stdout, p); err != nil {
		return 1, err
	}

	var createSize int64
	if p.CreateDest {
		createSize = sourceSize
	}

	chunks := Partition(sourceSize, p.Workers)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var liveMu sync.Mutex
	live := make(map[int]*transport.Agent)

	outcomeCh := make(chan workerOutcome, p.Workers)

	for i, chunk := range chunks {
		startPos, length := chunk.Start, chunk.Length

		topts, err := transport.FromParams(p)
		if err != nil {
			cancel()
			return 1, fmt.Errorf("supervisor: worker %d: %w", i, err)
		}

		agent, err := transport.Launch(topts)
		if err != nil {
			cancel()
			return 1, fmt.Errorf("supervisor: launching worker %d: %w", i, err)
		}

		liveMu.Lock()
		live[i] = agent
		liveMu.Unlock()

		logger.Info("spawned worker", "worker", i, "start", startPos, "length", length)

		go runWorker(workerCtx, i, agent, startPos, length, createSize, p, stdout, logger, outcomeCh)

		if i < p.Workers-1 {
			select {
			case <-time.After(p.Splay()):
			case <-ctx.Done():
			}
		}
	}

	return reap(p.Workers, outcomeCh, &liveMu, live, cancel, logger)
}

func runWorker(
	ctx context.Context,
	index int,
	agent *transport.Agent,
	startPos, length, createSize int64,
	p *config.Params,
	stdout io.Writer,
	logger *slog.Logger,
	outcomeCh chan<- workerOutcome,
) {
	workerLogger := logger.With("worker", index)

	res, err := driver.Run(ctx, agent.Conn, p.SourceDevice, driver.Options{
		WorkerIndex:      index,
		BlockSize:        p.BlockSize,
		Primary:          p.Primary,
		Secondary:        p.Secondary,
		HasSecondary:     p.HasSecondary,
		DryRun:           p.DryRun,
		Pause:            p.Pause(),
		CreateSize:       createSize,
		StartOffset:      startPos,
		Length:           length,
		Fadvise:          p.Fadvise,
		ProgressInterval: p.Interval(),
		ProgressOut:      stdout,
		Logger:           workerLogger,
	})

	agent.Conn.Close()
	_ = agent.Cmd.Wait()

	outcomeCh <- workerOutcome{index: index, result: res, err: err}
}

// reap waits on every worker's outcome, transitioning to ABORTING on the
// first failure (§4.5): it kills every remaining live worker's transport
// process and continues reaping until the live set is empty.
func reap(
	workerCount int,
	outcomeCh <-chan workerOutcome,
	liveMu *sync.Mutex,
	live map[int]*transport.Agent,
	cancel context.CancelFunc,
	logger *slog.Logger,
) (int, error) {
	aborting := false
	var firstErr error
	var totalSame, totalDiff int64

	for remaining := workerCount; remaining > 0; remaining-- {
		outcome := <-outcomeCh

		liveMu.Lock()
		delete(live, outcome.index)
		liveMu.Unlock()

		if outcome.err != nil {
			logger.Error("worker failed", "worker", outcome.index, "error", outcome.err)
			if firstErr == nil {
				firstErr = outcome.err
			}
			if !aborting {
				aborting = true
				cancel()
				terminateLive(liveMu, live, logger)
			}
			continue
		}

		totalSame += outcome.result.SameBlocks
		totalDiff += outcome.result.DiffBlocks
	}

	if aborting {
		return 1, fmt.Errorf("%w: %v", ErrAllWorkersDead, firstErr)
	}

	logger.Info("sync complete", "same_blocks", totalSame, "diff_blocks", totalDiff)
	return 0, nil
}

func terminateLive(liveMu *sync.Mutex, live map[int]*transport.Agent, logger *slog.Logger) {
	liveMu.Lock()
	defer liveMu.Unlock()
	for idx, agent := range live {
		logger.Warn("terminating worker", "worker", idx)
		if agent.Cmd.Process != nil {
			_ = agent.Cmd.Process.Kill()
		}
	}
}

// destructiveBanner warns before mutating the destination and waits five
// seconds unless dry-run, interruptible by ctx cancellation (e.g. SIGINT).
func destructiveBanner(ctx context.Context, stdout io.Writer, p *config.Params) error {
	if p.DryRun {
		return nil
	}
	fmt.Fprintf(stdout, "DESTRUCTIVE CHANGE: %s will be overwritten to match %s. Ctrl-C within 5s to abort.\n",
		p.DestDevice, p.SourceDevice)

	select {
	case <-time.After(5 * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
