package config

const (
	defaultDataDir   = "~/.local/share/docpipe"
	defaultUploadDir = "~/.local/share/docpipe/uploads"
	defaultLogDir    = "~/.local/share/docpipe/logs"
	defaultAPIBind   = "127.0.0.1:8420"

	defaultDocumentTTLHours     = 24
	defaultJobTTLMinutes        = 60
	defaultPurgeIntervalSeconds = 300

	defaultWorkerCount              = 4
	defaultPollIntervalSeconds      = 2
	defaultErrorRetrySeconds        = 10
	defaultVisibilityTimeoutSeconds = 300

	defaultAgentMaxRetries     = 3
	defaultAgentBaseDelayMS    = 1000
	defaultAgentMaxDelaySecs   = 30
	defaultAgentTimeoutSeconds = 30

	defaultOCRBaseURL        = "https://api.mistral.ai/v1/ocr"
	defaultOCRModel          = "mistral-ocr-latest"
	defaultOCRTimeoutSeconds = 60
	defaultOCRDelayMillis    = 100
	defaultOCRConfidence     = 0.7

	defaultStalenessSeconds     = 300
	defaultSweepIntervalSeconds = 60

	defaultWebhookTimeoutSeconds = 30
	defaultWebhookMaxRetries     = 3
	defaultWebhookBaseDelaySecs  = 5

	defaultMaxFileSizeMB = 50

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			UploadDir: defaultUploadDir,
			LogDir:    defaultLogDir,
			APIBind:   defaultAPIBind,
		},
		Store: Store{
			DocumentTTLHours:     defaultDocumentTTLHours,
			JobTTLMinutes:        defaultJobTTLMinutes,
			PurgeIntervalSeconds: defaultPurgeIntervalSeconds,
		},
		Workers: Workers{
			Count:                     defaultWorkerCount,
			PollIntervalSeconds:       defaultPollIntervalSeconds,
			ErrorRetryIntervalSeconds: defaultErrorRetrySeconds,
			VisibilityTimeoutSeconds:  defaultVisibilityTimeoutSeconds,
		},
		Agents: Agents{
			MaxRetries:           defaultAgentMaxRetries,
			RetryBaseDelayMillis: defaultAgentBaseDelayMS,
			RetryMaxDelaySeconds: defaultAgentMaxDelaySecs,
			TimeoutSeconds:       defaultAgentTimeoutSeconds,
		},
		OCR: OCR{
			BaseURL:              defaultOCRBaseURL,
			Model:                defaultOCRModel,
			TimeoutSeconds:       defaultOCRTimeoutSeconds,
			RateLimitDelayMillis: defaultOCRDelayMillis,
			ConfidenceThreshold:  defaultOCRConfidence,
		},
		Recovery: Recovery{
			StalenessThresholdSeconds: defaultStalenessSeconds,
			SweepIntervalSeconds:      defaultSweepIntervalSeconds,
		},
		Webhooks: Webhooks{
			TimeoutSeconds:        defaultWebhookTimeoutSeconds,
			MaxRetries:            defaultWebhookMaxRetries,
			RetryBaseDelaySeconds: defaultWebhookBaseDelaySecs,
		},
		Uploads: Uploads{
			MaxFileSizeMB:     defaultMaxFileSizeMB,
			AllowedExtensions: []string{".pdf", ".png", ".jpg", ".jpeg", ".tiff", ".bmp"},
		},
		Validation: Validation{
			StrictMode: true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
