package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultProxyPort is the default port for the session/admission HTTP API.
const DefaultProxyPort = 7677

// DefaultDashboardPort is the default port for the dashboard server.
const DefaultDashboardPort = 7678

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.ttscore"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "ttscore.toml"

// DefaultRetentionDays is the default metrics retention in days.
const DefaultRetentionDays = 30

// DefaultCacheTTL is the default metrics cache TTL in seconds.
const DefaultCacheTTL = 300

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
const DefaultWriteTimeout = 60

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

// DefaultMaxResponseSize is the default maximum dispatcher response size in bytes (50 MB).
const DefaultMaxResponseSize int64 = 50 << 20

// DefaultStreamTimeout is the default SSE session idle ceiling in seconds (10 min).
const DefaultStreamTimeout = 600

// DefaultQueueResultsBuffer is the default buffer size of the queue substrate's results channel.
const DefaultQueueResultsBuffer = 256

// DefaultQueueSubscriberBuffer is the default per-session subscriber channel buffer.
const DefaultQueueSubscriberBuffer = 64

// DefaultWorkerClaimTimeout is the default time in seconds that a local worker
// or dispatcher task blocks in each claim call waiting for a job.
const DefaultWorkerClaimTimeout = 30

// DefaultWorkerPollIntervalMs is the default pull-loop poll interval in milliseconds.
const DefaultWorkerPollIntervalMs = 200

// DefaultWorkerConcurrency is the default number of goroutines per model a local worker runs.
const DefaultWorkerConcurrency = 2

// DefaultWorkerMaxRetries is the default per-job retry ceiling before dead-lettering.
const DefaultWorkerMaxRetries = 3

// DefaultDispatcherTasksPerModel is the default number of parallel in-process tasks
// draining each model's queue into its external API.
const DefaultDispatcherTasksPerModel = 4

// DefaultRetryMaxAttempts is the default maximum number of retry attempts per dispatch.
const DefaultRetryMaxAttempts = 3

// DefaultRetryBaseDelayMs is the default base delay for exponential backoff in milliseconds.
const DefaultRetryBaseDelayMs = 500

// DefaultRetryMaxDelayMs is the default maximum delay for exponential backoff in milliseconds.
const DefaultRetryMaxDelayMs = 30000

// DefaultCBFailureThreshold is the default number of consecutive failures before opening the circuit.
const DefaultCBFailureThreshold = 5

// DefaultCBResetTimeout is the default circuit breaker reset timeout in seconds.
const DefaultCBResetTimeout = 60

// DefaultCBHalfOpenMax is the default number of successful calls in half-open state to close the circuit.
const DefaultCBHalfOpenMax = 1

// DefaultAudioCacheMaxMemoryEntries is the default in-memory LRU tier size.
const DefaultAudioCacheMaxMemoryEntries = 512

// DefaultAudioCacheMaxBytes is the default persistent-tier size bound (2 GB).
const DefaultAudioCacheMaxBytes int64 = 2 << 30

// DefaultAudioCacheLowWaterBytes is the size the sweep evicts down to once MaxBytes is hit (1.5 GB).
const DefaultAudioCacheLowWaterBytes int64 = (3 << 30) / 2

// DefaultAudioCacheSweepIntervalSec is the default interval between eviction sweeps.
const DefaultAudioCacheSweepIntervalSec = 60

// DefaultQuotaPeriod is the default quota accounting period.
const DefaultQuotaPeriod = "daily"

// DefaultVisibilityInterval is the default visibility-scanner sweep interval in seconds.
const DefaultVisibilityInterval = 15

// DefaultVisibilityTimeout is the default in-flight staleness timeout in seconds.
const DefaultVisibilityTimeout = 30

// DefaultVisibilityMaxRetries is the default retry ceiling before dead-lettering a stalled job.
const DefaultVisibilityMaxRetries = 3

// DefaultDeadLetterTTLDays is the default dead-letter retention in days.
const DefaultDeadLetterTTLDays = 7

// DefaultOverflowInterval is the default overflow-scanner sweep interval in seconds.
const DefaultOverflowInterval = 5

// DefaultOverflowAgeThreshold is the default queued-age threshold that triggers overflow, in seconds.
const DefaultOverflowAgeThreshold = 30

// DefaultOverflowPollIntervalMs is the default serverless poll interval in milliseconds.
const DefaultOverflowPollIntervalMs = 2000

// DefaultOverflowPollTimeout is the default serverless poll timeout in seconds.
const DefaultOverflowPollTimeout = 120

// DefaultSessionEventBuffer is the default per-session SSE event channel buffer.
const DefaultSessionEventBuffer = 64

// DefaultSessionEvictionWindow is the default cursor-eviction lookback window in blocks.
const DefaultSessionEvictionWindow = 20

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "ttscore"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidQuotaPeriods lists the allowed billing quota accounting periods.
var ValidQuotaPeriods = []string{"hourly", "daily", "monthly"}

// DefaultModelMultipliers are the default per-model billing multipliers applied
// to chars(text) to produce a billable unit count.
var DefaultModelMultipliers = map[string]float64{
	"standard": 1.0,
	"hd":       2.0,
	"neural":   1.5,
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:     DefaultBindAddress,
			ProxyPort:       DefaultProxyPort,
			DashboardPort:   DefaultDashboardPort,
			LogLevel:        DefaultLogLevel,
			DataDir:         DefaultDataDir,
			TLSEnabled:      false,
			CertFile:        "",
			KeyFile:         "",
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			IdleTimeout:     DefaultIdleTimeout,
			MaxBodySize:     DefaultMaxBodySize,
			MaxResponseSize: DefaultMaxResponseSize,
			StreamTimeout:   DefaultStreamTimeout,
		},
		Auth: AuthConfig{
			Enabled: false,
			Token:   "",
		},
		Queue: QueueConfig{
			ResultsBufferSize: DefaultQueueResultsBuffer,
			SubscriberBuffer:  DefaultQueueSubscriberBuffer,
		},
		Worker: WorkerConfig{
			Models:       []string{"standard"},
			ClaimTimeout: DefaultWorkerClaimTimeout,
			PollInterval: DefaultWorkerPollIntervalMs,
			Concurrency:  DefaultWorkerConcurrency,
			MaxRetries:   DefaultWorkerMaxRetries,
		},
		Dispatcher: DispatcherConfig{
			Endpoints: map[string]ModelEndpoint{
				"hd": {
					URL:     "https://api.ttsvendor.example/v1/synthesize",
					KeyRef:  "keyring://ttscore/dispatcher/hd",
					Timeout: 30,
				},
			},
			TasksPerModel:      DefaultDispatcherTasksPerModel,
			RetryMaxAttempts:   DefaultRetryMaxAttempts,
			RetryBaseDelayMs:   DefaultRetryBaseDelayMs,
			RetryMaxDelayMs:    DefaultRetryMaxDelayMs,
			CBEnabled:          true,
			CBFailureThreshold: DefaultCBFailureThreshold,
			CBResetTimeoutSec:  DefaultCBResetTimeout,
			CBHalfOpenMax:      DefaultCBHalfOpenMax,
		},
		AudioCache: AudioCacheConfig{
			MaxMemoryEntries: DefaultAudioCacheMaxMemoryEntries,
			MaxBytes:         DefaultAudioCacheMaxBytes,
			LowWaterBytes:    DefaultAudioCacheLowWaterBytes,
			SweepIntervalSec: DefaultAudioCacheSweepIntervalSec,
			PersistDir:       "~/.ttscore/audio",
		},
		Billing: BillingConfig{
			ModelMultipliers: DefaultModelMultipliers,
			QuotaEnabled:     false,
			DefaultQuota:     0,
			QuotaPeriod:      DefaultQuotaPeriod,
		},
		Scanner: ScannerConfig{
			Visibility: VisibilityScannerConfig{
				IntervalSec:       DefaultVisibilityInterval,
				DefaultTimeout:    DefaultVisibilityTimeout,
				ModelTimeouts:     map[string]int{},
				MaxRetries:        DefaultVisibilityMaxRetries,
				DeadLetterTTLDays: DefaultDeadLetterTTLDays,
			},
			Overflow: OverflowScannerConfig{
				IntervalSec:     DefaultOverflowInterval,
				AgeThresholdSec: DefaultOverflowAgeThreshold,
				PollIntervalMs:  DefaultOverflowPollIntervalMs,
				PollTimeoutSec:  DefaultOverflowPollTimeout,
				OverflowModels:  []string{},
			},
		},
		Session: SessionConfig{
			EventBufferSize: DefaultSessionEventBuffer,
			EvictionWindow:  DefaultSessionEvictionWindow,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:      false,
				DefaultRate:  10.0,
				DefaultBurst: 20,
				ModelLimits:  map[string]ModelRateLimit{},
			},
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
		Dashboard: DashboardConfig{
			Enabled:        true,
			AutoOpen:       false,
			AllowedOrigins: []string{"http://localhost:7677", "http://localhost:7678"},
		},
		Metrics: MetricsConfig{
			RetentionDays:   DefaultRetentionDays,
			CacheTTLSeconds: DefaultCacheTTL,
		},
	}
}
