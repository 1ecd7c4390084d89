// Package agent implements the destination-side endpoint of a blocksync
// session: it owns the destination device, advertises its cache-advisor
// choice and block size, then streams digests and applies replacement
// blocks the driver decides are DIFF (spec.md §4.3).
//
// State machine: INIT -> ADVERTISED -> SIZED -> READY -> STREAM(k) -> DONE | FAIL.
package agent

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nishisan-dev/blocksync/internal/blockio"
	"github.com/nishisan-dev/blocksync/internal/hashset"
	"github.com/nishisan-dev/blocksync/internal/protocol"
)

// Options configures one agent run. BlockSize, Fadvise, and the hash names
// are the agent's own copy of the session parameters, passed down the
// transport's argv by the driver that spawned it (§4.6) — they are not
// negotiated over the wire.
type Options struct {
	BlockSize int
	Fadvise   int // bitmask; only the blockio.RemoteFadvise bit matters here

	Primary      hashset.Factory
	Secondary    hashset.Factory
	HasSecondary bool

	// SelfDelete removes the agent's own executable image on DONE, used
	// for an uploaded tmpserver invocation (§4.3).
	SelfDelete bool
	ExecPath   string

	Logger *slog.Logger
}

// Run drives the agent state machine to completion over conn, which may be
// a pipe to a local subprocess or the stdio of a remote ssh session.
func Run(conn io.ReadWriteCloser, dstPath string, opts Options) (err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := bufio.NewReader(conn)

	defer func() {
		if err != nil {
			logger.Error("agent failed", "error", err)
		}
	}()

	// INIT: greet and advertise the cache-advisor mode actually selected.
	mode := blockio.SelectMode(opts.Fadvise, blockio.RemoteFadvise)
	if err := protocol.WriteAgentGreeting(conn, mode.String()); err != nil {
		return err
	}

	// Driver -> Agent: size to create the destination as, or 0 to skip.
	createSize, err := protocol.ReadCreateSize(r)
	if err != nil {
		return fmt.Errorf("agent: handshake: %w", err)
	}

	if createSize > 0 {
		if err := createOrTruncate(dstPath, createSize); err != nil {
			return fmt.Errorf("agent: creating destination: %w", err)
		}
	}

	f, err := os.OpenFile(dstPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("agent: opening destination %s: %w", dstPath, err)
	}
	defer f.Close()

	advisor := blockio.New(mode)
	advisor.Opened(f)

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("agent: sizing destination: %w", err)
	}

	// ADVERTISED: echo destination path and block size.
	if err := protocol.WriteDstDevAdvertisement(conn, dstPath, opts.BlockSize); err != nil {
		return err
	}

	// SIZED: report the destination's byte size after any creation.
	if err := protocol.WriteRemoteSize(conn, size); err != nil {
		return err
	}

	// READY: receive the chunk this driver will stream.
	startPos, blockCount, err := protocol.ReadChunkAssignment(r)
	if err != nil {
		return fmt.Errorf("agent: handshake: %w", err)
	}

	reader, err := blockio.NewReader(f, startPos, -1, opts.BlockSize, advisor)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	// STREAM(k): lock-step hash/verdict/replace for exactly blockCount blocks.
	for k := int64(0); k < blockCount; k++ {
		block, err := reader.Next()
		if err != nil {
			return fmt.Errorf("agent: reading block %d: %w", k, err)
		}

		if err := protocol.WriteDigest(conn, hashset.Sum(opts.Primary, block.Data)); err != nil {
			return err
		}
		if opts.HasSecondary {
			if err := protocol.WriteDigest(conn, hashset.Sum(opts.Secondary, block.Data)); err != nil {
				return err
			}
		}

		verdict, err := protocol.ReadVerdict(r)
		if err != nil {
			return fmt.Errorf("agent: block %d: %w", k, err)
		}

		if verdict == protocol.Diff {
			payload, err := protocol.ReadPayload(r, len(block.Data))
			if err != nil {
				return fmt.Errorf("agent: block %d: %w", k, err)
			}
			if err := blockio.WriteBlock(f, block.Offset, payload, advisor); err != nil {
				return fmt.Errorf("agent: block %d: %w", k, err)
			}
		}
	}

	// DONE.
	if opts.SelfDelete && opts.ExecPath != "" {
		if rmErr := os.Remove(opts.ExecPath); rmErr != nil {
			logger.Warn("self-delete failed", "path", opts.ExecPath, "error", rmErr)
		}
	}

	return nil
}

func createOrTruncate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}
