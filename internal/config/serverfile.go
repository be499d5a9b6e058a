package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerFileName is the conventional server config file name, looked up
// in the working directory when --config is not given.
const ServerFileName = "tally.yaml"

// readServerFile overlays the YAML server config at path onto cfg.
func readServerFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from flag or convention
	if err != nil {
		return fmt.Errorf("reading server config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteServerFile writes cfg as a commented tally.yaml. Used by
// `tally config init`; existing files are only replaced when force is
// set.
func WriteServerFile(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding server config: %w", err)
	}

	header := "# tally server configuration.\n" +
		"# Every key can be overridden by a TALLY_* environment variable,\n" +
		"# e.g. web-port by TALLY_WEB_PORT.\n\n"

	if err := os.WriteFile(path, append([]byte(header), body...), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
