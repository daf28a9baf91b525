// Package config loads and validates the TOML configuration file
// described in SPEC_FULL.md §4.6: required gmail/imap connection
// settings plus the settings table's defaulted tunables.
//
// Grounded on wesm-msgvault's internal/config/config.go: a Config
// struct of nested, `toml`-tagged sub-structs, a NewDefaultConfig
// pre-filling defaults before decode, and Load validating what the file
// actually contains rather than leaning on struct tag machinery for
// required-field enforcement (BurntSushi/toml has no "required" tag).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Gmail holds the source-account OAuth configuration.
type Gmail struct {
	CredentialsFile string `toml:"credentials_file"`
}

// IMAP holds the destination server connection configuration.
type IMAP struct {
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	UseSSL   bool   `toml:"use_ssl"`
}

// Settings holds the transfer run's tunables.
type Settings struct {
	LabelMappings        map[string]string `toml:"label_mappings"`
	BatchSize            int               `toml:"batch_size"`
	GmailBatchSize       int               `toml:"gmail_batch_size"`
	ProgressSaveInterval int               `toml:"progress_save_interval"`
	ProgressFile         string            `toml:"progress_file"`
}

// Config is the in-memory representation of the parsed TOML file
// (SPEC_FULL.md §3 Config).
type Config struct {
	Gmail    Gmail    `toml:"gmail"`
	IMAP     IMAP     `toml:"imap"`
	Settings Settings `toml:"settings"`
}

func defaults() Config {
	return Config{
		IMAP: IMAP{UseSSL: true},
		Settings: Settings{
			LabelMappings:        map[string]string{},
			BatchSize:            50,
			GmailBatchSize:       50,
			ProgressSaveInterval: 50,
			ProgressFile:         "./progress.json",
		},
	}
}

// Load reads and validates the TOML file at path. A missing required
// field is a Configuration error (spec §7): the returned error names
// the missing key and the caller should treat it as fatal.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Settings.LabelMappings == nil {
		cfg.Settings.LabelMappings = map[string]string{}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	missing := func(key string) error {
		return fmt.Errorf("config: missing required field %q", key)
	}
	if c.Gmail.CredentialsFile == "" {
		return missing("gmail.credentials_file")
	}
	if c.IMAP.Server == "" {
		return missing("imap.server")
	}
	if c.IMAP.Port == 0 {
		return missing("imap.port")
	}
	if c.IMAP.Username == "" {
		return missing("imap.username")
	}
	if c.IMAP.Password == "" {
		return missing("imap.password")
	}
	return nil
}
