package config

import (
	"flag"
	"fmt"
)

// defaults mirror spec.md §6 exactly, unless overridden by a -f/--profile file.
type defaults struct {
	workers       int
	splayMS       int
	blockSize     int
	hash          string
	secondaryHash string
	fadvise       int
	pauseMS       int
	cipher        string
	compress      bool
	keyFile       string
	passEnv       string
	sudo          bool
	extraParams   string
	script        string
	interpreter   string
	intervalSec   int
	logFormat     string
}

func builtinDefaults() defaults {
	return defaults{
		workers:     1,
		splayMS:     250,
		blockSize:   1024 * 1024,
		hash:        "sha512",
		fadvise:     3,
		pauseMS:     0,
		cipher:      "blowfish",
		compress:    true,
		intervalSec: 1,
		logFormat:   "text",
	}
}

// Parse builds Params from a raw argument vector (os.Args[1:]). It detects
// the server/tmpserver verbs by inspecting the first token, exactly as the
// original script does, then registers both the short and long spelling of
// every flag against the same destination. If -f/--profile names a YAML
// file, its values seed the flag defaults before flags are applied, so an
// explicit flag on the command line always wins.
func Parse(args []string) (*Params, error) {
	p := &Params{}

	verb := VerbSync
	rest := args
	if len(args) > 0 {
		switch args[0] {
		case "server":
			verb = VerbServer
			rest = args[1:]
		case "tmpserver":
			verb = VerbTmpServer
			rest = args[1:]
		}
	}
	p.Verb = verb

	var agentDevice string
	if verb != VerbSync {
		if len(rest) == 0 {
			return nil, fmt.Errorf("config: %s requires a destination device argument", args[0])
		}
		agentDevice = rest[0]
		rest = rest[1:]
	}

	d := builtinDefaults()
	if profilePath := peekProfilePath(rest); profilePath != "" {
		prof, err := LoadProfile(profilePath)
		if err != nil {
			return nil, err
		}
		applyProfile(&d, prof)
	}

	fs := flag.NewFlagSet("blocksync", flag.ContinueOnError)

	bindStr := func(dest *string, short, long, def, usage string) {
		fs.StringVar(dest, short, def, usage)
		fs.StringVar(dest, long, def, usage)
	}
	bindInt := func(dest *int, short, long string, def int, usage string) {
		fs.IntVar(dest, short, def, usage)
		fs.IntVar(dest, long, def, usage)
	}
	bindBool := func(dest *bool, short, long string, def bool, usage string) {
		fs.BoolVar(dest, short, def, usage)
		fs.BoolVar(dest, long, def, usage)
	}

	bindInt(&p.Workers, "w", "workers", d.workers, "number of parallel driver/agent pairs")
	bindInt(&p.SplayMS, "l", "splay", d.splayMS, "sleep between worker spawns (ms)")
	bindInt(&p.BlockSize, "b", "blocksize", d.blockSize, "block granularity (bytes)")
	bindStr(&p.HashName, "1", "hash", d.hash, "primary hash algorithm")
	bindStr(&p.SecondaryHash, "2", "additionalhash", d.secondaryHash, "secondary hash algorithm")
	bindInt(&p.Fadvise, "d", "fadvise", d.fadvise, "fadvise bitmask: bit0 local, bit1 remote")
	bindInt(&p.PauseMS, "p", "pause", d.pauseMS, "per-block throttle (ms)")
	bindStr(&p.Cipher, "c", "cipher", d.cipher, "transport cipher hint")
	bindBool(&p.Compress, "C", "compress", d.compress, "request transport compression")
	bindStr(&p.KeyFile, "i", "id", d.keyFile, "transport key file")
	bindStr(&p.PassEnv, "P", "pass", d.passEnv, "env var holding the transport password")
	bindBool(&p.Sudo, "s", "sudo", d.sudo, "wrap the remote agent in sudo")
	bindStr(&p.ExtraParams, "x", "extraparams", d.extraParams, "extra transport arguments")
	bindBool(&p.DryRun, "n", "dryrun", false, "compare only, no writes")
	bindBool(&p.CreateDest, "T", "createdest", false, "create/extend destination to source size")
	bindStr(&p.Script, "S", "script", d.script, "pre-installed agent script on remote host")
	bindStr(&p.Interpreter, "I", "interpreter", d.interpreter, "interpreter for remote agent (native binary if empty)")
	bindInt(&p.IntervalSec, "t", "interval", d.intervalSec, "stats interval (s)")
	bindStr(&p.Output, "o", "output", "", "log file (stderr if empty)")
	bindStr(&p.LogFormat, "F", "logformat", d.logFormat, "log format: text or json")
	bindStr(&p.ProfilePath, "f", "profile", "", "YAML file of default session parameters")
	bindBool(&p.Verbose, "v", "verbose", false, "debug-level logging")

	if err := fs.Parse(rest); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	positional := fs.Args()
	switch verb {
	case VerbSync:
		if len(positional) > 0 {
			p.SourceDevice = positional[0]
		}
		if len(positional) > 1 {
			p.DestHost = positional[1]
		}
		if len(positional) > 2 {
			p.DestDevice = positional[2]
		}
	case VerbServer, VerbTmpServer:
		p.AgentDevice = agentDevice
	}

	return p, nil
}
