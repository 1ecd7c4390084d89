// Command blocksync synchronizes a block device or sparse file on one host
// to a block device on another host over an untrusted or bandwidth-limited
// link, transferring only the blocks that differ (spec.md §1).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/blocksync/internal/agent"
	"github.com/nishisan-dev/blocksync/internal/config"
	"github.com/nishisan-dev/blocksync/internal/logging"
	"github.com/nishisan-dev/blocksync/internal/supervisor"
)

func main() {
	p, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}
	if err := p.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := "info"
	if p.Verbose {
		level = "debug"
	}
	logger, logCloser := logging.New(level, p.LogFormat, p.Output)
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch p.Verb {
	case config.VerbServer, config.VerbTmpServer:
		runAgent(p, logger)
	default:
		runSync(ctx, p, logger)
	}
}

func runAgent(p *config.Params, logger *slog.Logger) {
	execPath, _ := os.Executable()

	opts := agent.Options{
		BlockSize:    p.BlockSize,
		Fadvise:      p.Fadvise,
		Primary:      p.Primary,
		Secondary:    p.Secondary,
		HasSecondary: p.HasSecondary,
		SelfDelete:   p.Verb == config.VerbTmpServer,
		ExecPath:     execPath,
		Logger:       logger,
	}

	conn := stdioConn{}
	if err := agent.Run(conn, p.AgentDevice, opts); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func runSync(ctx context.Context, p *config.Params, logger *slog.Logger) {
	code, err := supervisor.Run(ctx, supervisor.Options{
		Params: p,
		Logger: logger,
		Stdout: os.Stdout,
	})
	if err != nil {
		logger.Error("sync failed", "error", err)
	}
	os.Exit(code)
}

// stdioConn adapts the process's own stdin/stdout to the duplex channel an
// agent invocation speaks the protocol over, matching the original
// script's server() entry point.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioConn) Close() error                { return nil }
