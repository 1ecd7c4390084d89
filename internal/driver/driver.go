// Package driver implements the source-side endpoint of a blocksync
// session: for each block in its assigned chunk it reads the source, reads
// the agent's digest(s), decides SAME or DIFF, and on DIFF ships the
// replacement bytes (spec.md §4.4).
package driver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/blocksync/internal/blockio"
	"github.com/nishisan-dev/blocksync/internal/hashset"
	"github.com/nishisan-dev/blocksync/internal/progress"
	"github.com/nishisan-dev/blocksync/internal/protocol"
)

// ErrDestinationTooSmall is returned when the agent's advertised remote size
// cannot hold this worker's chunk (I4).
var ErrDestinationTooSmall = errors.New("driver: destination device is smaller than required")

// Options configures one worker's driver run over its assigned chunk.
type Options struct {
	WorkerIndex int

	BlockSize int
	Primary   hashset.Factory
	Secondary hashset.Factory
	HasSecondary bool

	DryRun bool
	Pause  time.Duration

	// CreateSize is handshake step 3: the byte size to ask the agent to
	// create the destination as, or 0 to skip creation (--createdest).
	CreateSize int64

	// StartOffset and Length describe this worker's chunk of the source
	// device (I1); Length is in bytes and may not be a multiple of
	// BlockSize only on the final chunk's final block (I5).
	StartOffset int64
	Length      int64

	Fadvise int // bitmask; only blockio.LocalFadvise matters here

	ProgressInterval time.Duration
	ProgressOut      io.Writer

	Logger *slog.Logger
}

// Result summarizes one worker's completed run (Worker record, §3).
type Result struct {
	SameBlocks int64
	DiffBlocks int64
}

// Run drives one worker's chunk to completion over conn, which is the
// transport channel to this worker's agent process.
func Run(ctx context.Context, conn io.ReadWriteCloser, sourcePath string, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("driver: opening source %s: %w", sourcePath, err)
	}
	defer src.Close()

	r := bufio.NewReader(conn)

	// INIT: read the agent's greeting and cache-advisor choice.
	cacheMode, err := protocol.ReadAgentGreeting(r)
	if err != nil {
		return Result{}, fmt.Errorf("driver[%d]: handshake: %w", opts.WorkerIndex, err)
	}
	logger.Debug("agent greeted", "worker", opts.WorkerIndex, "cache_mode", cacheMode)

	if err := protocol.WriteCreateSize(conn, opts.CreateSize); err != nil {
		return Result{}, fmt.Errorf("driver[%d]: %w", opts.WorkerIndex, err)
	}

	dstDev, agentBlockSize, err := protocol.ReadDstDevAdvertisement(r)
	if err != nil {
		return Result{}, fmt.Errorf("driver[%d]: handshake: %w", opts.WorkerIndex, err)
	}
	if agentBlockSize != opts.BlockSize {
		return Result{}, fmt.Errorf("driver[%d]: %w: driver=%d agent(%s)=%d",
			opts.WorkerIndex, protocol.ErrBlockSizeMismatch, opts.BlockSize, dstDev, agentBlockSize)
	}

	remoteSize, err := protocol.ReadRemoteSize(r)
	if err != nil {
		return Result{}, fmt.Errorf("driver[%d]: handshake: %w", opts.WorkerIndex, err)
	}
	if remoteSize < opts.StartOffset+opts.Length {
		return Result{}, fmt.Errorf("driver[%d]: %w: need %d bytes at offset %d, agent has %d",
			opts.WorkerIndex, ErrDestinationTooSmall, opts.Length, opts.StartOffset, remoteSize)
	}

	blockCount := blockio.BlockCount(opts.Length, opts.BlockSize)
	if err := protocol.WriteChunkAssignment(conn, opts.StartOffset, blockCount); err != nil {
		return Result{}, fmt.Errorf("driver[%d]: %w", opts.WorkerIndex, err)
	}

	advisor := blockio.New(blockio.SelectMode(opts.Fadvise, blockio.LocalFadvise))
	advisor.Opened(src)

	reader, err := blockio.NewReader(src, opts.StartOffset, opts.Length, opts.BlockSize, advisor)
	if err != nil {
		return Result{}, fmt.Errorf("driver[%d]: %w", opts.WorkerIndex, err)
	}

	reporter := progress.NewReporter(opts.WorkerIndex, int64(opts.BlockSize), blockCount, opts.ProgressInterval, opts.ProgressOut)
	reporter.Start()
	defer reporter.Stop()

	pacer := newPacer(opts.Pause)

	var result Result
	for k := int64(0); k < blockCount; k++ {
		block, err := reader.Next()
		if err != nil {
			return result, fmt.Errorf("driver[%d]: reading block %d: %w", opts.WorkerIndex, k, err)
		}

		localDigest := hashset.Sum(opts.Primary, block.Data)
		remoteDigest, err := protocol.ReadDigest(r, opts.Primary.Size)
		if err != nil {
			return result, fmt.Errorf("driver[%d]: block %d: %w", opts.WorkerIndex, k, err)
		}

		same := bytes.Equal(localDigest, remoteDigest)

		if same && opts.HasSecondary {
			localSecondary := hashset.Sum(opts.Secondary, block.Data)
			remoteSecondary, err := protocol.ReadDigest(r, opts.Secondary.Size)
			if err != nil {
				return result, fmt.Errorf("driver[%d]: block %d: %w", opts.WorkerIndex, k, err)
			}
			same = bytes.Equal(localSecondary, remoteSecondary)
		} else if opts.HasSecondary {
			// Primary already disagreed; still drain the secondary digest
			// so the stream stays in lock-step (I2).
			if _, err := protocol.ReadDigest(r, opts.Secondary.Size); err != nil {
				return result, fmt.Errorf("driver[%d]: block %d: %w", opts.WorkerIndex, k, err)
			}
		}

		if same {
			result.SameBlocks++
			reporter.Same()
			if err := protocol.WriteVerdict(conn, protocol.Same); err != nil {
				return result, fmt.Errorf("driver[%d]: block %d: %w", opts.WorkerIndex, k, err)
			}
		} else {
			result.DiffBlocks++
			reporter.Diff()

			if opts.DryRun {
				// Report as different but never mutate the destination.
				if err := protocol.WriteVerdict(conn, protocol.Same); err != nil {
					return result, fmt.Errorf("driver[%d]: block %d: %w", opts.WorkerIndex, k, err)
				}
			} else {
				if err := protocol.WriteVerdict(conn, protocol.Diff); err != nil {
					return result, fmt.Errorf("driver[%d]: block %d: %w", opts.WorkerIndex, k, err)
				}
				if err := protocol.WritePayload(conn, block.Data); err != nil {
					return result, fmt.Errorf("driver[%d]: block %d: %w", opts.WorkerIndex, k, err)
				}
			}
		}

		// The pause applies after every block decision, same or diff,
		// dry-run or not (§4.4).
		if err := pacer.wait(ctx); err != nil {
			return result, fmt.Errorf("driver[%d]: %w", opts.WorkerIndex, err)
		}
	}

	logger.Info("worker finished", "worker", opts.WorkerIndex, "same", result.SameBlocks, "diff", result.DiffBlocks)
	return result, nil
}

// pacer throttles block iterations to a configured per-block interval,
// adapting n-backup's ThrottledWriter token-bucket pattern: instead of a
// bare time.Sleep, a rate.Limiter is waited on so the pause is
// cancellation-aware.
type pacer struct {
	limiter *rate.Limiter
}

func newPacer(interval time.Duration) *pacer {
	if interval <= 0 {
		return &pacer{}
	}
	return &pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
