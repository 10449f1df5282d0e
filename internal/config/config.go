package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	UploadDir string `toml:"upload_dir"`
	LogDir    string `toml:"log_dir"`
	APIBind   string `toml:"api_bind"`
}

// Store contains state store retention settings.
type Store struct {
	DocumentTTLHours     int `toml:"document_ttl_hours"`
	JobTTLMinutes        int `toml:"job_ttl_minutes"`
	PurgeIntervalSeconds int `toml:"purge_interval_seconds"`
}

// Workers contains worker pool sizing and queue timing.
type Workers struct {
	Count                     int `toml:"count"`
	PollIntervalSeconds       int `toml:"poll_interval_seconds"`
	ErrorRetryIntervalSeconds int `toml:"error_retry_interval_seconds"`
	VisibilityTimeoutSeconds  int `toml:"visibility_timeout_seconds"`
}

// Agents contains the retry policy applied uniformly to every pipeline agent.
type Agents struct {
	MaxRetries           int `toml:"max_retries"`
	RetryBaseDelayMillis int `toml:"retry_base_delay_millis"`
	RetryMaxDelaySeconds int `toml:"retry_max_delay_seconds"`
	TimeoutSeconds       int `toml:"timeout_seconds"`
}

// OCR contains configuration for the external OCR provider.
type OCR struct {
	APIKey               string  `toml:"api_key"`
	BaseURL              string  `toml:"base_url"`
	Model                string  `toml:"model"`
	TimeoutSeconds       int     `toml:"timeout_seconds"`
	RateLimitDelayMillis int     `toml:"rate_limit_delay_millis"`
	ConfidenceThreshold  float64 `toml:"confidence_threshold"`
}

// Recovery contains crash recovery sweep timing.
type Recovery struct {
	StalenessThresholdSeconds int `toml:"staleness_threshold_seconds"`
	SweepIntervalSeconds      int `toml:"sweep_interval_seconds"`
}

// Webhooks contains delivery engine settings.
type Webhooks struct {
	TimeoutSeconds        int `toml:"timeout_seconds"`
	MaxRetries            int `toml:"max_retries"`
	RetryBaseDelaySeconds int `toml:"retry_base_delay_seconds"`
}

// Uploads contains ingress upload constraints.
type Uploads struct {
	MaxFileSizeMB     int      `toml:"max_file_size_mb"`
	AllowedExtensions []string `toml:"allowed_extensions"`
}

// Validation contains settings for the validation stage.
type Validation struct {
	StrictMode bool `toml:"strict_mode"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for docpipe.
//
// Configuration sections by subsystem:
//   - Paths: data/upload/log directories and API bind address
//   - Store: state store TTLs and purge cadence
//   - Workers: pool size, poll interval, task visibility timeout
//   - Agents: shared retry/timeout policy for pipeline agents
//   - OCR: external OCR provider connection and throttle
//   - Recovery: staleness threshold and sweep interval
//   - Webhooks: delivery timeout and retry budget
//   - Uploads: ingress file constraints
//   - Validation: validation stage strictness
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Store      Store      `toml:"store"`
	Workers    Workers    `toml:"workers"`
	Agents     Agents     `toml:"agents"`
	OCR        OCR        `toml:"ocr"`
	Recovery   Recovery   `toml:"recovery"`
	Webhooks   Webhooks   `toml:"webhooks"`
	Uploads    Uploads    `toml:"uploads"`
	Validation Validation `toml:"validation"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/docpipe/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("docpipe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.UploadDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DocumentTTL returns the retention window for document and pipeline records.
func (c *Config) DocumentTTL() time.Duration {
	return time.Duration(c.Store.DocumentTTLHours) * time.Hour
}

// JobTTL returns the retention window for task and delivery bookkeeping.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.Store.JobTTLMinutes) * time.Minute
}

// VisibilityTimeout returns the window a dequeued task stays hidden before redelivery.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Workers.VisibilityTimeoutSeconds) * time.Second
}

// StalenessThreshold returns the inactivity duration after which a non-terminal
// pipeline becomes eligible for recovery.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Recovery.StalenessThresholdSeconds) * time.Second
}

// MaxUploadBytes returns the ingress upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Uploads.MaxFileSizeMB) * 1024 * 1024
}

// ExtensionAllowed reports whether an upload filename extension is accepted.
func (c *Config) ExtensionAllowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return false
	}
	for _, allowed := range c.Uploads.AllowedExtensions {
		if strings.EqualFold(strings.TrimSpace(allowed), ext) {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
