package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCapture()
	c.normalizeProxies()
	c.normalizeLiveness()
	c.normalizePostProcessing()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeCapture() {
	c.Capture.Binary = strings.TrimSpace(c.Capture.Binary)
	if c.Capture.GraceSeconds <= 0 {
		c.Capture.GraceSeconds = defaultCaptureGraceSeconds
	}
	if c.Capture.MinFreeGiB < 0 {
		c.Capture.MinFreeGiB = 0
	}
	if c.Capture.MaxRecoveryAttempts <= 0 {
		c.Capture.MaxRecoveryAttempts = defaultMaxRecoveryAttempts
	}
	if c.Capture.RecoveryDelaySeconds < 0 {
		c.Capture.RecoveryDelaySeconds = defaultRecoveryDelaySeconds
	}
	if len(c.Capture.TransientSignatures) == 0 {
		c.Capture.TransientSignatures = append([]string(nil), defaultTransientSignatures...)
	}
	if len(c.Capture.SourceEndSignatures) == 0 {
		c.Capture.SourceEndSignatures = append([]string(nil), defaultSourceEndSignatures...)
	}
	if len(c.Capture.FatalSignatures) == 0 {
		c.Capture.FatalSignatures = append([]string(nil), defaultFatalSignatures...)
	}
}

func (c *Config) normalizeProxies() {
	if c.Proxies.ProbeInterval <= 0 {
		c.Proxies.ProbeInterval = defaultProbeInterval
	}
	if c.Proxies.ProbeTimeout <= 0 {
		c.Proxies.ProbeTimeout = defaultProbeTimeout
	}
	c.Proxies.ProbeURL = strings.TrimSpace(c.Proxies.ProbeURL)
	if c.Proxies.ProbeURL == "" {
		c.Proxies.ProbeURL = defaultProbeURL
	}
	if c.Proxies.ProbeWorkers <= 0 {
		c.Proxies.ProbeWorkers = defaultProbeWorkers
	}
	if c.Proxies.MaxConsecutiveFailures <= 0 {
		c.Proxies.MaxConsecutiveFailures = defaultMaxConsecutiveFails
	}
}

func (c *Config) normalizeLiveness() {
	c.Liveness.BaseURL = strings.TrimRight(strings.TrimSpace(c.Liveness.BaseURL), "/")
	if c.Liveness.RequestTimeout <= 0 {
		c.Liveness.RequestTimeout = defaultLivenessTimeout
	}
	if c.Liveness.RetryAttempts < 0 {
		c.Liveness.RetryAttempts = defaultLivenessRetries
	}
	if c.Liveness.CacheTTLSeconds < 0 {
		c.Liveness.CacheTTLSeconds = defaultLivenessCacheTTL
	}
}

func (c *Config) normalizePostProcessing() {
	if c.PostProcessing.Workers <= 0 {
		c.PostProcessing.Workers = defaultPipelineWorkers
	}
	if c.PostProcessing.StageRetryLimit <= 0 {
		c.PostProcessing.StageRetryLimit = defaultStageRetryLimit
	}
	if c.PostProcessing.RemuxBackoffSeconds <= 0 {
		c.PostProcessing.RemuxBackoffSeconds = defaultRemuxBackoffSeconds
	}
	if c.PostProcessing.ThumbnailOffsetSecs < 0 {
		c.PostProcessing.ThumbnailOffsetSecs = defaultThumbnailOffsetSecs
	}
	c.PostProcessing.FinalContainerFormat = strings.TrimPrefix(
		strings.ToLower(strings.TrimSpace(c.PostProcessing.FinalContainerFormat)), ".")
	if c.PostProcessing.FinalContainerFormat == "" {
		c.PostProcessing.FinalContainerFormat = defaultContainerFormat
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Workflow.ShutdownGraceSeconds <= 0 {
		c.Workflow.ShutdownGraceSeconds = defaultShutdownGraceSecs
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
