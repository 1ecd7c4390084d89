package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/blocksync/internal/config"
	"github.com/nishisan-dev/blocksync/internal/transport"
)

func TestPartition_CoversWholeDeviceExactly(t *testing.T) {
	tests := []struct {
		size    int64
		workers int
	}{
		{1000, 3},
		{1024 * 1024, 4},
		{7, 1},
		{10, 10},
	}
	for _, tt := range tests {
		chunks := Partition(tt.size, tt.workers)
		if len(chunks) != tt.workers {
			t.Fatalf("size=%d workers=%d: got %d chunks", tt.size, tt.workers, len(chunks))
		}
		var covered int64
		wantStart := int64(0)
		chunkSize := tt.size / int64(tt.workers)
		for i, c := range chunks {
			if c.Start != wantStart {
				t.Errorf("chunk %d: start=%d, want %d", i, c.Start, wantStart)
			}
			if i < tt.workers-1 && c.Length != chunkSize {
				t.Errorf("chunk %d: length=%d, want %d", i, c.Length, chunkSize)
			}
			covered += c.Length
			wantStart += chunkSize
		}
		if covered != tt.size {
			t.Errorf("size=%d workers=%d: chunks cover %d bytes, want %d", tt.size, tt.workers, covered, tt.size)
		}
	}
}

func TestPartition_NoOverlap(t *testing.T) {
	chunks := Partition(1_000_003, 7)
	for i := 1; i < len(chunks); i++ {
		prevEnd := chunks[i-1].Start + chunks[i-1].Length
		if chunks[i].Start != prevEnd {
			t.Fatalf("gap or overlap between chunk %d and %d: prevEnd=%d nextStart=%d", i-1, i, prevEnd, chunks[i].Start)
		}
	}
}

func TestDestructiveBanner_DryRunSkipsWait(t *testing.T) {
	p := &config.Params{DryRun: true}
	start := time.Now()
	if err := destructiveBanner(context.Background(), io.Discard, p); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("dry-run must not wait for the destructive-change banner")
	}
}

func TestDestructiveBanner_CancelInterrupts(t *testing.T) {
	p := &config.Params{DryRun: false}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := destructiveBanner(ctx, io.Discard, p)
	if err == nil {
		t.Fatal("expected context cancellation to interrupt the banner wait")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancellation should interrupt immediately, not wait out the full 5s")
	}
}

func TestReap_AbortTerminatesSurvivors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var liveMu sync.Mutex
	live := map[int]*transport.Agent{
		0: {Cmd: &exec.Cmd{}},
		1: {Cmd: &exec.Cmd{}},
		2: {Cmd: &exec.Cmd{}},
	}

	outcomeCh := make(chan workerOutcome, 3)
	outcomeCh <- workerOutcome{index: 0, err: errors.New("boom")}
	outcomeCh <- workerOutcome{index: 1}
	outcomeCh <- workerOutcome{index: 2}

	cancelCalled := false
	cancel := func() { cancelCalled = true }

	code, err := reap(3, outcomeCh, &liveMu, live, cancel, logger)
	if code != 1 {
		t.Errorf("expected exit code 1 on abort, got %d", code)
	}
	if !errors.Is(err, ErrAllWorkersDead) {
		t.Errorf("expected ErrAllWorkersDead, got %v", err)
	}
	if !cancelCalled {
		t.Error("expected cancel to be called on first failure")
	}
	if len(live) != 0 {
		t.Errorf("expected all workers reaped from the live set, got %d remaining", len(live))
	}
}

func TestReap_AllSuccessReturnsZero(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var liveMu sync.Mutex
	live := map[int]*transport.Agent{0: {Cmd: &exec.Cmd{}}, 1: {Cmd: &exec.Cmd{}}}

	outcomeCh := make(chan workerOutcome, 2)
	outcomeCh <- workerOutcome{index: 0}
	outcomeCh <- workerOutcome{index: 1}

	code, err := reap(2, outcomeCh, &liveMu, live, func() {}, logger)
	if code != 0 || err != nil {
		t.Fatalf("expected success, got code=%d err=%v", code, err)
	}
}
