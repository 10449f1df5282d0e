package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports configuration errors that would make the daemon misbehave.
// It collects every problem instead of stopping at the first one.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.UploadDir) == "" {
		problems = append(problems, "paths.upload_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		problems = append(problems, "paths.log_dir must not be empty")
	}
	if c.Workers.Count < 1 {
		problems = append(problems, "workers.count must be at least 1")
	}
	if c.Workers.VisibilityTimeoutSeconds < c.Workers.PollIntervalSeconds {
		problems = append(problems, "workers.visibility_timeout_seconds must exceed the poll interval")
	}
	if c.Recovery.StalenessThresholdSeconds < c.Workers.VisibilityTimeoutSeconds {
		problems = append(problems, "recovery.staleness_threshold_seconds must be at least the visibility timeout")
	}
	if c.OCR.ConfidenceThreshold < 0 || c.OCR.ConfidenceThreshold > 1 {
		problems = append(problems, "ocr.confidence_threshold must be between 0 and 1")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format: unsupported value %q", c.Logging.Format))
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
