package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML file of default session parameters (§2.2
// DOMAIN STACK), loaded before flags are parsed so that explicit flags still
// win. Every field is optional; a zero value means "use the built-in
// default instead of overriding it".
type Profile struct {
	Workers       *int    `yaml:"workers"`
	Splay         *int    `yaml:"splay_ms"`
	BlockSize     *int    `yaml:"blocksize"`
	Hash          *string `yaml:"hash"`
	SecondaryHash *string `yaml:"additional_hash"`
	Fadvise       *int    `yaml:"fadvise"`
	Pause         *int    `yaml:"pause_ms"`
	Cipher        *string `yaml:"cipher"`
	Compress      *bool   `yaml:"compress"`
	KeyFile       *string `yaml:"key_file"`
	PassEnv       *string `yaml:"pass_env"`
	Sudo          *bool   `yaml:"sudo"`
	ExtraParams   *string `yaml:"extra_params"`
	Script        *string `yaml:"script"`
	Interpreter   *string `yaml:"interpreter"`
	IntervalSec   *int    `yaml:"interval_sec"`
}

// LoadProfile reads and parses a YAML profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading profile %s: %w", path, err)
	}
	var prof Profile
	if err := yaml.Unmarshal(data, &prof); err != nil {
		return nil, fmt.Errorf("config: parsing profile %s: %w", path, err)
	}
	return &prof, nil
}

// peekProfilePath scans a raw argument vector for -f/--profile without
// invoking the full flag.FlagSet, since the profile's values must seed the
// flag defaults before flag.Parse runs.
func peekProfilePath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		for _, name := range []string{"-f", "--profile"} {
			if arg == name && i+1 < len(args) {
				return args[i+1]
			}
			if strings.HasPrefix(arg, name+"=") {
				return strings.TrimPrefix(arg, name+"=")
			}
		}
	}
	return ""
}

func applyProfile(d *defaults, prof *Profile) {
	if prof.Workers != nil {
		d.workers = *prof.Workers
	}
	if prof.Splay != nil {
		d.splayMS = *prof.Splay
	}
	if prof.BlockSize != nil {
		d.blockSize = *prof.BlockSize
	}
	if prof.Hash != nil {
		d.hash = *prof.Hash
	}
	if prof.SecondaryHash != nil {
		d.secondaryHash = *prof.SecondaryHash
	}
	if prof.Fadvise != nil {
		d.fadvise = *prof.Fadvise
	}
	if prof.Pause != nil {
		d.pauseMS = *prof.Pause
	}
	if prof.Cipher != nil {
		d.cipher = *prof.Cipher
	}
	if prof.Compress != nil {
		d.compress = *prof.Compress
	}
	if prof.KeyFile != nil {
		d.keyFile = *prof.KeyFile
	}
	if prof.PassEnv != nil {
		d.passEnv = *prof.PassEnv
	}
	if prof.Sudo != nil {
		d.sudo = *prof.Sudo
	}
	if prof.ExtraParams != nil {
		d.extraParams = *prof.ExtraParams
	}
	if prof.Script != nil {
		d.script = *prof.Script
	}
	if prof.Interpreter != nil {
		d.interpreter = *prof.Interpreter
	}
	if prof.IntervalSec != nil {
		d.intervalSec = *prof.IntervalSec
	}
}
