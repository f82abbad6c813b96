package config

const (
	defaultStagingDir           = "~/.local/share/strand/staging"
	defaultLibraryDir           = "~/recordings"
	defaultLogDir               = "~/.local/share/strand/logs"
	defaultAPIBind              = "127.0.0.1:7519"
	defaultCaptureGraceSeconds  = 10
	defaultCaptureMinFreeGiB    = 5
	defaultMaxRecoveryAttempts  = 5
	defaultRecoveryDelaySeconds = 2
	defaultProbeInterval        = 300
	defaultProbeTimeout         = 10
	defaultProbeURL             = "https://www.gstatic.com/generate_204"
	defaultProbeWorkers         = 4
	defaultMaxConsecutiveFails  = 3
	defaultLivenessTimeout      = 10
	defaultLivenessRetries      = 2
	defaultLivenessCacheTTL     = 30
	defaultPipelineWorkers      = 2
	defaultStageRetryLimit      = 3
	defaultRemuxBackoffSeconds  = 2
	defaultThumbnailOffsetSecs  = 30
	defaultContainerFormat      = "mp4"
	defaultNotifyTimeout        = 10
	defaultQueuePollInterval    = 5
	defaultErrorRetryInterval   = 10
	defaultShutdownGraceSecs    = 15
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Signature tables are policy defaults for the bundled capture tool. They are
// replaceable wholesale from config when a different tool is in use.
var (
	defaultTransientSignatures = []string{
		"Unable to open URL",
		"Connection timed out",
		"Connection refused",
		"Failed to reload playlist",
		"Read timeout",
		"502 Server Error",
		"503 Server Error",
		"proxy error",
	}
	defaultSourceEndSignatures = []string{
		"Stream ended",
		"No playable streams found",
		"this stream is offline",
	}
	defaultFatalSignatures = []string{
		"No space left on device",
		"Permission denied",
		"401 Client Error",
		"403 Client Error",
	}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LibraryDir: defaultLibraryDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Capture: Capture{
			GraceSeconds:         defaultCaptureGraceSeconds,
			MinFreeGiB:           defaultCaptureMinFreeGiB,
			TransientSignatures:  append([]string(nil), defaultTransientSignatures...),
			SourceEndSignatures:  append([]string(nil), defaultSourceEndSignatures...),
			FatalSignatures:      append([]string(nil), defaultFatalSignatures...),
			MaxRecoveryAttempts:  defaultMaxRecoveryAttempts,
			RecoveryDelaySeconds: defaultRecoveryDelaySeconds,
		},
		Proxies: Proxies{
			ProbeInterval:          defaultProbeInterval,
			ProbeTimeout:           defaultProbeTimeout,
			ProbeURL:               defaultProbeURL,
			ProbeWorkers:           defaultProbeWorkers,
			MaxConsecutiveFailures: defaultMaxConsecutiveFails,
			FallbackToDirect:       true,
		},
		Liveness: Liveness{
			RequestTimeout:  defaultLivenessTimeout,
			RetryAttempts:   defaultLivenessRetries,
			CacheTTLSeconds: defaultLivenessCacheTTL,
		},
		PostProcessing: PostProcessing{
			Workers:              defaultPipelineWorkers,
			StageRetryLimit:      defaultStageRetryLimit,
			RemuxBackoffSeconds:  defaultRemuxBackoffSeconds,
			ThumbnailOffsetSecs:  defaultThumbnailOffsetSecs,
			EmbedChapterMarkers:  true,
			FinalContainerFormat: defaultContainerFormat,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Started:        true,
			Completed:      true,
			Failed:         true,
			Errors:         true,
		},
		Workflow: Workflow{
			QueuePollInterval:    defaultQueuePollInterval,
			ErrorRetryInterval:   defaultErrorRetryInterval,
			ShutdownGraceSeconds: defaultShutdownGraceSecs,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
