package config

import (
	"fmt"
	"os"
	"strings"
)

// normalize expands paths and fills zero-valued settings with defaults so the
// rest of the system never has to guard against missing values.
func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("normalize data_dir: %w", err)
	}
	if c.Paths.UploadDir, err = expandPath(c.Paths.UploadDir); err != nil {
		return fmt.Errorf("normalize upload_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("normalize log_dir: %w", err)
	}

	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.OCR.BaseURL = strings.TrimRight(strings.TrimSpace(c.OCR.BaseURL), "/")
	c.OCR.Model = strings.TrimSpace(c.OCR.Model)
	c.OCR.APIKey = strings.TrimSpace(c.OCR.APIKey)
	if c.OCR.APIKey == "" {
		if value, ok := os.LookupEnv("MISTRAL_API_KEY"); ok {
			c.OCR.APIKey = strings.TrimSpace(value)
		}
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	if c.Store.DocumentTTLHours <= 0 {
		c.Store.DocumentTTLHours = defaultDocumentTTLHours
	}
	if c.Store.JobTTLMinutes <= 0 {
		c.Store.JobTTLMinutes = defaultJobTTLMinutes
	}
	if c.Store.PurgeIntervalSeconds <= 0 {
		c.Store.PurgeIntervalSeconds = defaultPurgeIntervalSeconds
	}
	if c.Workers.Count <= 0 {
		c.Workers.Count = defaultWorkerCount
	}
	if c.Workers.PollIntervalSeconds <= 0 {
		c.Workers.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.Workers.ErrorRetryIntervalSeconds <= 0 {
		c.Workers.ErrorRetryIntervalSeconds = defaultErrorRetrySeconds
	}
	if c.Workers.VisibilityTimeoutSeconds <= 0 {
		c.Workers.VisibilityTimeoutSeconds = defaultVisibilityTimeoutSeconds
	}
	if c.Agents.MaxRetries < 0 {
		c.Agents.MaxRetries = defaultAgentMaxRetries
	}
	if c.Agents.RetryBaseDelayMillis <= 0 {
		c.Agents.RetryBaseDelayMillis = defaultAgentBaseDelayMS
	}
	if c.Agents.RetryMaxDelaySeconds <= 0 {
		c.Agents.RetryMaxDelaySeconds = defaultAgentMaxDelaySecs
	}
	if c.Agents.TimeoutSeconds <= 0 {
		c.Agents.TimeoutSeconds = defaultAgentTimeoutSeconds
	}
	if c.OCR.TimeoutSeconds <= 0 {
		c.OCR.TimeoutSeconds = defaultOCRTimeoutSeconds
	}
	if c.OCR.RateLimitDelayMillis < 0 {
		c.OCR.RateLimitDelayMillis = defaultOCRDelayMillis
	}
	if c.OCR.ConfidenceThreshold <= 0 {
		c.OCR.ConfidenceThreshold = defaultOCRConfidence
	}
	if c.Recovery.StalenessThresholdSeconds <= 0 {
		c.Recovery.StalenessThresholdSeconds = defaultStalenessSeconds
	}
	if c.Recovery.SweepIntervalSeconds <= 0 {
		c.Recovery.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}
	if c.Webhooks.TimeoutSeconds <= 0 {
		c.Webhooks.TimeoutSeconds = defaultWebhookTimeoutSeconds
	}
	if c.Webhooks.MaxRetries < 0 {
		c.Webhooks.MaxRetries = defaultWebhookMaxRetries
	}
	if c.Webhooks.RetryBaseDelaySeconds <= 0 {
		c.Webhooks.RetryBaseDelaySeconds = defaultWebhookBaseDelaySecs
	}
	if c.Uploads.MaxFileSizeMB <= 0 {
		c.Uploads.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if len(c.Uploads.AllowedExtensions) == 0 {
		c.Uploads.AllowedExtensions = Default().Uploads.AllowedExtensions
	}
	for i, ext := range c.Uploads.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Uploads.AllowedExtensions[i] = ext
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	return nil
}
