package config

const (
	defaultInputDir          = "~/.local/share/coalesce/incoming"
	defaultFastTierDir       = "/dev/shm/coalesce"
	defaultPersistentTierDir = "~/.local/share/coalesce/staging"
	defaultLogDir            = "~/.local/share/coalesce/logs"

	defaultExpectedParts         = 16
	defaultSettleIntervalSeconds = 2
	defaultRescanIntervalSeconds = 10

	defaultMaxConcurrency        = 2
	defaultMaxRetries            = 3
	defaultLeaseSeconds          = 120
	defaultLeaseRenewSeconds     = 15
	defaultAttemptTimeoutSeconds = 1800
	defaultRetryBackoffSeconds   = 30
	defaultPollIntervalSeconds   = 5

	defaultSafetyMargin   = 1.5
	defaultRetentionHours = 24

	defaultReaperIntervalSeconds = 60
	defaultReaperJitterSeconds   = 10
	defaultGroupTimeoutSeconds   = 900
	defaultGraceWindowSeconds    = 300

	defaultWriterTimeoutSeconds = 0

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			InputDir:          defaultInputDir,
			FastTierDir:       defaultFastTierDir,
			PersistentTierDir: defaultPersistentTierDir,
			LogDir:            defaultLogDir,
		},
		Ingest: Ingest{
			ExpectedParts:         defaultExpectedParts,
			SettleIntervalSeconds: defaultSettleIntervalSeconds,
			RescanIntervalSeconds: defaultRescanIntervalSeconds,
		},
		Dispatch: Dispatch{
			MaxConcurrency:        defaultMaxConcurrency,
			MaxRetries:            defaultMaxRetries,
			LeaseSeconds:          defaultLeaseSeconds,
			LeaseRenewSeconds:     defaultLeaseRenewSeconds,
			AttemptTimeoutSeconds: defaultAttemptTimeoutSeconds,
			RetryBackoffSeconds:   defaultRetryBackoffSeconds,
			PollIntervalSeconds:   defaultPollIntervalSeconds,
		},
		Staging: Staging{
			SafetyMargin:   defaultSafetyMargin,
			RetentionHours: defaultRetentionHours,
		},
		Reaper: Reaper{
			IntervalSeconds:     defaultReaperIntervalSeconds,
			JitterSeconds:       defaultReaperJitterSeconds,
			GroupTimeoutSeconds: defaultGroupTimeoutSeconds,
			GraceWindowSeconds:  defaultGraceWindowSeconds,
		},
		Writer: Writer{
			TimeoutSeconds: defaultWriterTimeoutSeconds,
			FatalExitCodes: []int{2},
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
