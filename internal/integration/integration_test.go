// Package integration exercises the full driver/agent wire protocol
// end-to-end over in-process pipes, against real temporary files standing
// in for source and destination devices (spec.md §8 end-to-end scenarios).
package integration

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/blocksync/internal/agent"
	"github.com/nishisan-dev/blocksync/internal/driver"
	"github.com/nishisan-dev/blocksync/internal/hashset"
)

// halfDuplex is one end of an in-process duplex channel built from two
// io.Pipes, standing in for a transport.Agent's stdio connection without
// spawning a real process.
type halfDuplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (h halfDuplex) Read(p []byte) (int, error)  { return h.r.Read(p) }
func (h halfDuplex) Write(p []byte) (int, error) { return h.w.Write(p) }
func (h halfDuplex) Close() error {
	h.r.CloseWithError(io.ErrClosedPipe)
	h.w.CloseWithError(io.ErrClosedPipe)
	return nil
}

func newDuplexPair() (driverSide, agentSide halfDuplex) {
	driverToAgent, agentFromDriver := io.Pipe()
	agentToDriver, driverFromAgent := io.Pipe()
	driverSide = halfDuplex{r: driverFromAgent, w: driverToAgent}
	agentSide = halfDuplex{r: agentFromDriver, w: agentToDriver}
	return
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustFactory(t *testing.T, name string) hashset.Factory {
	t.Helper()
	f, err := hashset.Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// runPair wires a real driver.Run against a real agent.Run over an
// in-process duplex pair, mirroring how the supervisor connects each
// worker to its spawned agent (minus the transport.Launch subprocess).
func runPair(t *testing.T, srcPath, dstPath string, startOffset, length int64, blockSize int, dryRun bool) (driver.Result, error) {
	t.Helper()
	primary := mustFactory(t, "sha256")

	driverConn, agentConn := newDuplexPair()

	agentErrCh := make(chan error, 1)
	go func() {
		agentErrCh <- agent.Run(agentConn, dstPath, agent.Options{
			BlockSize: blockSize,
			Primary:   primary,
		})
	}()

	result, driverErr := driver.Run(context.Background(), driverConn, srcPath, driver.Options{
		BlockSize:   blockSize,
		Primary:     primary,
		StartOffset: startOffset,
		Length:      length,
		DryRun:      dryRun,
		ProgressOut: io.Discard,
	})
	driverConn.Close()

	agentErr := <-agentErrCh
	if driverErr != nil {
		return result, driverErr
	}
	return result, agentErr
}

// Scenario 1: all-same.
func TestScenario_AllSame(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte{0xAA}, 4*1024*1024)
	src := writeFile(t, dir, "source.img", content)
	dst := writeFile(t, dir, "dest.img", content)

	result, err := runPair(t, src, dst, 0, int64(len(content)), 1024*1024, false)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.SameBlocks != 4 || result.DiffBlocks != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("destination must remain byte-identical")
	}
}

// Scenario 2: all-diff — exercises P1 (convergence) and P2 (idempotence).
func TestScenario_AllDiff(t *testing.T) {
	dir := t.TempDir()
	srcContent := bytes.Repeat([]byte{0xAA}, 4*1024*1024)
	dstContent := bytes.Repeat([]byte{0x55}, 4*1024*1024)
	src := writeFile(t, dir, "source.img", srcContent)
	dst := writeFile(t, dir, "dest.img", dstContent)

	result, err := runPair(t, src, dst, 0, int64(len(srcContent)), 1024*1024, false)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.SameBlocks != 0 || result.DiffBlocks != 4 {
		t.Fatalf("unexpected result: %+v", result)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, srcContent) {
		t.Fatal("destination must converge to the source (P1)")
	}

	// P2: a second identical run reports zero DIFF and leaves the
	// destination untouched.
	result2, err := runPair(t, src, dst, 0, int64(len(srcContent)), 1024*1024, false)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result2.DiffBlocks != 0 || result2.SameBlocks != 4 {
		t.Fatalf("expected idempotent second run, got %+v", result2)
	}
}

// Scenario 3: dry-run reports diffs but never mutates the destination (P3).
func TestScenario_DryRunPurity(t *testing.T) {
	dir := t.TempDir()
	srcContent := bytes.Repeat([]byte{0xAA}, 4*1024*1024)
	dstContent := bytes.Repeat([]byte{0x55}, 4*1024*1024)
	src := writeFile(t, dir, "source.img", srcContent)
	dst := writeFile(t, dir, "dest.img", dstContent)

	dryResult, err := runPair(t, src, dst, 0, int64(len(srcContent)), 1024*1024, true)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if dryResult.DiffBlocks != 4 {
		t.Fatalf("expected 4 diffs reported, got %+v", dryResult)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, dstContent) {
		t.Fatal("dry run must never mutate the destination")
	}

	realResult, err := runPair(t, src, dst, 0, int64(len(srcContent)), 1024*1024, false)
	if err != nil {
		t.Fatalf("real run failed: %v", err)
	}
	if realResult.DiffBlocks != dryResult.DiffBlocks {
		t.Fatalf("real run diff count %d does not match dry run %d", realResult.DiffBlocks, dryResult.DiffBlocks)
	}
}

// Scenario 4: short tail (P5) — a source size not a multiple of block size.
func TestScenario_ShortTail(t *testing.T) {
	dir := t.TempDir()
	const size = 2621440 // 2.5 MiB
	srcContent := bytes.Repeat([]byte{0x11}, size)
	src := writeFile(t, dir, "source.img", srcContent)
	dst := writeFile(t, dir, "dest.img", make([]byte, size))

	result, err := runPair(t, src, dst, 0, size, 1024*1024, false)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.DiffBlocks != 3 {
		t.Fatalf("expected 3 diffs (including the short tail), got %+v", result)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, srcContent) {
		t.Fatal("destination must match source including the short final block")
	}
	if len(got) != size {
		t.Fatalf("destination size must not change, got %d want %d", len(got), size)
	}
}

// Scenario 5: two workers, half mismatch — each worker owns a
// non-overlapping chunk (I1) and only the mismatched chunk produces DIFFs.
func TestScenario_TwoWorkersHalfMismatch(t *testing.T) {
	dir := t.TempDir()
	const half = 4 * 1024 * 1024
	srcContent := bytes.Repeat([]byte{0xAA}, 2*half)
	dstContent := make([]byte, 2*half)
	copy(dstContent[:half], srcContent[:half]) // first half matches
	// second half left zeroed, so it differs from source

	src := writeFile(t, dir, "source.img", srcContent)
	dst := writeFile(t, dir, "dest.img", dstContent)

	result0, err := runPair(t, src, dst, 0, half, 1024*1024, false)
	if err != nil {
		t.Fatalf("worker 0 failed: %v", err)
	}
	if result0.SameBlocks != 4 || result0.DiffBlocks != 0 {
		t.Fatalf("worker 0: unexpected result %+v", result0)
	}

	result1, err := runPair(t, src, dst, half, half, 1024*1024, false)
	if err != nil {
		t.Fatalf("worker 1 failed: %v", err)
	}
	if result1.SameBlocks != 0 || result1.DiffBlocks != 4 {
		t.Fatalf("worker 1: unexpected result %+v", result1)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, srcContent) {
		t.Fatal("destination must converge to source across both chunks")
	}
}

// Scenario 6: size mismatch — the agent's destination is smaller than the
// source and no --createdest was requested, so the driver aborts during
// the handshake (I4) without touching the destination.
func TestScenario_SizeMismatchAborts(t *testing.T) {
	dir := t.TempDir()
	srcContent := bytes.Repeat([]byte{0xAA}, 4*1024*1024)
	dstContent := make([]byte, 3*1024*1024)
	src := writeFile(t, dir, "source.img", srcContent)
	dst := writeFile(t, dir, "dest.img", dstContent)

	_, err := runPair(t, src, dst, 0, int64(len(srcContent)), 1024*1024, false)
	if !errors.Is(err, driver.ErrDestinationTooSmall) {
		t.Fatalf("expected ErrDestinationTooSmall, got %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, dstContent) {
		t.Fatal("destination must not be touched when the handshake aborts")
	}
}
