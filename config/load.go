package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// ErrHelp is returned by Load when usage was requested.
var ErrHelp = errors.New("help requested")

// Load builds the node configuration:
//
//  1. pre-parse the command line for --network and --config
//  2. start from that network's defaults
//  3. overlay the YAML config file, when present
//  4. parse the command line again so flags take precedence
func Load(args []string) (*Config, error) {
	var pre struct {
		ConfigFile string      `short:"C" long:"config"`
		Network    NetworkType `long:"network"`
	}
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Default(pre.Network)
	if pre.ConfigFile != "" {
		if err := LoadFile(pre.ConfigFile, cfg); err != nil {
			return nil, err
		}
	}

	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, ferr.Message)
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a YAML file over cfg. Keys missing from the file keep
// their current values. A missing file is not an error.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	cfg.ConfigFile = path
	return nil
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
