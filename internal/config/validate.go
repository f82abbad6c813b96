package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validateProxies(); err != nil {
		return err
	}
	if err := c.validateLiveness(); err != nil {
		return err
	}
	if err := c.validatePostProcessing(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateCapture() error {
	if c.Capture.GraceSeconds <= 0 {
		return errors.New("capture.grace_seconds must be positive")
	}
	if c.Capture.MaxRecoveryAttempts <= 0 {
		return errors.New("capture.max_recovery_attempts must be positive")
	}
	return nil
}

func (c *Config) validateProxies() error {
	if err := ensurePositiveMap(map[string]int{
		"proxies.probe_interval":           c.Proxies.ProbeInterval,
		"proxies.probe_timeout":            c.Proxies.ProbeTimeout,
		"proxies.probe_workers":            c.Proxies.ProbeWorkers,
		"proxies.max_consecutive_failures": c.Proxies.MaxConsecutiveFailures,
	}); err != nil {
		return err
	}
	parsed, err := url.Parse(c.Proxies.ProbeURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("proxies.probe_url %q is not a valid absolute URL", c.Proxies.ProbeURL)
	}
	return nil
}

func (c *Config) validateLiveness() error {
	if strings.TrimSpace(c.Liveness.BaseURL) == "" {
		return nil
	}
	parsed, err := url.Parse(c.Liveness.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("liveness.base_url %q is not a valid absolute URL", c.Liveness.BaseURL)
	}
	return nil
}

func (c *Config) validatePostProcessing() error {
	return ensurePositiveMap(map[string]int{
		"postprocessing.workers":               c.PostProcessing.Workers,
		"postprocessing.stage_retry_limit":     c.PostProcessing.StageRetryLimit,
		"postprocessing.remux_backoff_seconds": c.PostProcessing.RemuxBackoffSeconds,
	})
}

func (c *Config) validateWorkflow() error {
	return ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":    c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval":   c.Workflow.ErrorRetryInterval,
		"workflow.shutdown_grace_seconds": c.Workflow.ShutdownGraceSeconds,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
