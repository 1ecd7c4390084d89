// Package config parses the blocksync command line into immutable session
// parameters, optionally pre-populated from a YAML profile file.
package config

import (
	"fmt"
	"time"

	"github.com/nishisan-dev/blocksync/internal/hashset"
)

// Verb distinguishes the three ways the executable can be invoked (§6).
type Verb int

const (
	// VerbSync is the default: this process is the supervisor/driver side.
	VerbSync Verb = iota
	// VerbServer runs as a persistent agent.
	VerbServer
	// VerbTmpServer runs as a self-deleting agent (uploaded agent script).
	VerbTmpServer
)

// Params holds every session parameter, constructed once by the CLI and
// immutable thereafter (Data Model §3).
type Params struct {
	Verb Verb

	// Positional arguments, meaningful only for VerbSync.
	SourceDevice string
	DestHost     string
	DestDevice   string // defaults to SourceDevice if empty

	// Positional argument, meaningful only for VerbServer/VerbTmpServer.
	AgentDevice string

	// Session parameters (§3), shared by both sides where applicable.
	Workers       int
	SplayMS       int
	BlockSize     int
	HashName      string
	SecondaryHash string
	Fadvise       int
	PauseMS       int
	Cipher        string
	Compress      bool
	KeyFile       string
	PassEnv       string
	Sudo          bool
	ExtraParams   string
	DryRun        bool
	CreateDest    bool
	Script        string
	Interpreter   string
	IntervalSec   int
	Output        string
	LogFormat     string
	Verbose       bool
	ProfilePath   string

	// Resolved hash factories, filled in by Validate.
	Primary   hashset.Factory
	Secondary hashset.Factory
	HasSecondary bool
}

// Interval returns the configured stats interval as a time.Duration.
func (p *Params) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// Pause returns the configured per-block pause as a time.Duration.
func (p *Params) Pause() time.Duration {
	return time.Duration(p.PauseMS) * time.Millisecond
}

// Splay returns the configured inter-worker spawn delay as a time.Duration.
func (p *Params) Splay() time.Duration {
	return time.Duration(p.SplayMS) * time.Millisecond
}

// Validate resolves hash names to factories and checks value ranges. Called
// once after flags (and any profile) have been applied.
func (p *Params) Validate() error {
	if p.BlockSize <= 0 {
		return fmt.Errorf("config: block size must be positive, got %d", p.BlockSize)
	}
	if p.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", p.Workers)
	}
	if p.Fadvise < 0 || p.Fadvise > 3 {
		return fmt.Errorf("config: fadvise mask must be 0..3, got %d", p.Fadvise)
	}

	primary, err := hashset.Lookup(p.HashName)
	if err != nil {
		return err
	}
	p.Primary = primary

	p.HasSecondary = p.SecondaryHash != ""
	if p.HasSecondary {
		secondary, err := hashset.Lookup(p.SecondaryHash)
		if err != nil {
			return err
		}
		p.Secondary = secondary
	}

	switch p.Verb {
	case VerbSync:
		if p.SourceDevice == "" || p.DestHost == "" {
			return fmt.Errorf("config: usage: blocksync [options] /dev/source [user@]remotehost [/dev/dest]")
		}
		if p.DestDevice == "" {
			p.DestDevice = p.SourceDevice
		}
	case VerbServer, VerbTmpServer:
		if p.AgentDevice == "" {
			return fmt.Errorf("config: usage: blocksync (server|tmpserver) /dev/dest [options]")
		}
	}

	return nil
}
