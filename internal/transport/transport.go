// Package transport builds and starts the process that runs an agent, on
// either the local machine or a remote host reached over ssh, and exposes
// its stdin/stdout as the duplex channel a driver speaks the wire protocol
// over (spec.md §4.6).
package transport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/nishisan-dev/blocksync/internal/config"
)

// Options configures how an agent process is reached for one worker.
// Mirrors the Session parameters relevant to the transport launcher (§3).
type Options struct {
	DestHost   string // "localhost" launches a direct subprocess
	DestDevice string

	BlockSize     int
	HashName      string
	SecondaryHash string
	Fadvise       int

	Cipher      string
	KeyFile     string
	Compress    bool
	PassEnv     string
	Sudo        bool
	ExtraParams string

	// Script is the caller-supplied remote agent binary path. If empty and
	// DestHost is "localhost", ExecPath is used instead. If empty and
	// DestHost is remote, the local executable is uploaded to a scratch
	// location (policy 3, §4.6).
	Script   string
	ExecPath string

	Interpreter string // empty for a native binary invoked directly
}

// Agent is a launched agent process with its duplex channel ready for the
// protocol handshake.
type Agent struct {
	Cmd  *exec.Cmd
	Conn io.ReadWriteCloser
}

// cmdConn adapts an *exec.Cmd's stdin/stdout pipes to a single
// io.ReadWriteCloser. Close closes only stdin; the stdout pipe is closed by
// exec.Cmd.Wait.
type cmdConn struct {
	io.Reader
	io.WriteCloser
	stdinCloser io.Closer
}

func (c cmdConn) Close() error {
	err := c.stdinCloser.Close()
	return err
}

// Launch starts the agent process described by opts and returns its duplex
// channel, ready for protocol.ReadAgentGreeting.
func Launch(opts Options) (*Agent, error) {
	remote := opts.DestHost != "localhost"

	// Policy 3 (§4.6): a remote run with no caller-supplied script uploads
	// the driver's own executable to a scratch path and runs it as
	// tmpserver, which self-deletes on DONE.
	if remote && opts.Script == "" {
		prefix, err := sshPrefix(opts)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		scratchPath, err := Upload(prefix, opts.ExecPath)
		if err != nil {
			return nil, fmt.Errorf("transport: uploading agent: %w", err)
		}
		opts.ExecPath = scratchPath
	}

	argv, err := BuildCommand(opts)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("transport: empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: starting %v: %w", argv, err)
	}

	conn := cmdConn{Reader: stdout, WriteCloser: stdin, stdinCloser: stdin}
	return &Agent{Cmd: cmd, Conn: conn}, nil
}

// BuildCommand assembles the argument vector for starting an agent,
// following the precedence in spec.md §4.6: local subprocess, remote ssh
// session (with cipher/keyfile/compress/extraparams/sudo), and remote
// script-location resolution (caller path / local self path / upload).
func BuildCommand(opts Options) ([]string, error) {
	var cmd []string

	remote := opts.DestHost != "localhost"

	if remote {
		prefix, err := sshPrefix(opts)
		if err != nil {
			return nil, err
		}
		cmd = append(cmd, prefix...)
	}

	if opts.Sudo {
		cmd = append(cmd, "sudo")
	}

	var serverCmd, remoteScript string
	switch {
	case opts.Script != "":
		serverCmd, remoteScript = "server", opts.Script
	case !remote:
		serverCmd, remoteScript = "server", opts.ExecPath
	default:
		// Resolved by Upload (policy 3); Launch calls it before BuildCommand
		// is asked to assemble the final argv for a one-shot-uploaded agent.
		serverCmd, remoteScript = "tmpserver", opts.ExecPath
	}

	if opts.Interpreter != "" {
		cmd = append(cmd, opts.Interpreter)
	}
	cmd = append(cmd, remoteScript, serverCmd, opts.DestDevice,
		"-b", strconv.Itoa(opts.BlockSize),
		"-d", strconv.Itoa(opts.Fadvise),
		"-1", opts.HashName,
	)
	if opts.SecondaryHash != "" {
		cmd = append(cmd, "-2", opts.SecondaryHash)
	}

	return cmd, nil
}

// Upload streams the local executable at selfPath over a freshly spawned
// remote shell into a scratch file, returning the scratch path the shell
// echoes back (§4.6 policy 3). The uploaded agent must be invoked with the
// self-deleting flag set.
func Upload(sshCmd []string, selfPath string) (remotePath string, err error) {
	self, err := os.Open(selfPath)
	if err != nil {
		return "", fmt.Errorf("transport: opening self %s for upload: %w", selfPath, err)
	}
	defer self.Close()

	argv := append(append([]string{}, sshCmd...),
		"/usr/bin/env", "sh", "-c", "SCRIPTNAME=$(mktemp -q); cat >$SCRIPTNAME; echo $SCRIPTNAME")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("transport: upload stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("transport: upload stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("transport: starting upload shell: %w", err)
	}

	go func() {
		io.Copy(stdin, self)
		stdin.Close()
	}()

	reader := bufio.NewReader(stdout)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("transport: reading uploaded script path: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("transport: upload shell exited with error: %w", err)
	}

	return trimNewline(line), nil
}

// sshPrefix builds the ssh invocation prefix shared by a normal agent
// launch and the scratch-file upload shell (§4.6 policy 2): optional
// sshpass wrapper, cipher, key file, compression, extra parameters, host.
func sshPrefix(opts Options) ([]string, error) {
	var cmd []string
	if opts.PassEnv != "" {
		pass, ok := os.LookupEnv(opts.PassEnv)
		if !ok {
			return nil, fmt.Errorf("environment variable %q for -P/--pass is not set", opts.PassEnv)
		}
		cmd = append(cmd, "/usr/bin/env", fmt.Sprintf("SSHPASS=%s", pass), "sshpass", "-e")
	}
	cmd = append(cmd, "ssh", "-c", opts.Cipher)
	if opts.KeyFile != "" {
		cmd = append(cmd, "-i", opts.KeyFile)
	}
	if opts.Compress {
		cmd = append(cmd, "-C")
	}
	if opts.ExtraParams != "" {
		cmd = append(cmd, splitParams(opts.ExtraParams)...)
	}
	cmd = append(cmd, opts.DestHost)
	return cmd, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func splitParams(s string) []string {
	var out []string
	var cur []byte
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, s[i])
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

// FromParams builds transport Options from parsed session parameters for
// one worker, resolving the local executable's own path for the
// self-as-agent cases (§4.6 policies 1 and 3).
func FromParams(p *config.Params) (Options, error) {
	execPath := p.Script
	if execPath == "" {
		self, err := os.Executable()
		if err != nil {
			return Options{}, fmt.Errorf("transport: resolving own executable path: %w", err)
		}
		execPath = self
	}

	return Options{
		DestHost:      p.DestHost,
		DestDevice:    p.DestDevice,
		BlockSize:     p.BlockSize,
		HashName:      p.HashName,
		SecondaryHash: p.SecondaryHash,
		Fadvise:       p.Fadvise,
		Cipher:        p.Cipher,
		KeyFile:       p.KeyFile,
		Compress:      p.Compress,
		PassEnv:       p.PassEnv,
		Sudo:          p.Sudo,
		ExtraParams:   p.ExtraParams,
		Script:        p.Script,
		ExecPath:      execPath,
		Interpreter:   p.Interpreter,
	}, nil
}
