package config

import (
	"fmt"
	"slices"

	"fanchat/internal/logging"
)

// LoggingConfig configures the category log. The terminal chat only logs to a
// file; serve logs to stderr.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`           // debug, info, warn, error
	Format     string          `yaml:"format" json:"format,omitempty"`         // json, console
	File       string          `yaml:"file" json:"file,omitempty"`             // chat log; empty disables the chat log
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"` // write the chat log at all
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"` // boot, session, api, ui, gallery, web
}

// LoggerConfig converts the settings for logging.Initialize. verbose forces
// debug output.
func (c *LoggingConfig) LoggerConfig(verbose bool) logging.Config {
	lc := logging.Config{
		DebugMode:  c.DebugMode || verbose,
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		Categories: c.Categories,
	}
	if verbose {
		lc.Level = "debug"
	}
	return lc
}

func (c *LoggingConfig) validate() error {
	if !slices.Contains(ValidLogFormats, c.Format) {
		return fmt.Errorf("invalid logging.format: %s (valid: %v)", c.Format, ValidLogFormats)
	}
	for name := range c.Categories {
		if !slices.Contains(logging.Categories, logging.Category(name)) {
			return fmt.Errorf("unknown logging category %q (valid: %v)", name, logging.Categories)
		}
	}
	return nil
}
