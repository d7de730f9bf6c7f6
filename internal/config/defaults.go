package config

const (
	defaultWorkspaceDir   = "~/.local/share/redub/workspace"
	defaultLibraryDir     = "~/dubbed"
	defaultLogDir         = "~/.local/share/redub/logs"
	defaultAPIBind        = "127.0.0.1:7519"
	defaultTargetLanguage = "es"
	defaultVoice          = "default"
	defaultDownloadTool   = "yt-dlp"
	defaultTranscribeTool = "whisperx"
	defaultSynthesizeTool = "piper"
	defaultMuxTool        = "ffmpeg"

	defaultDownloadTimeout   = 3600
	defaultTranscribeTimeout = 7200
	defaultSynthesizeTimeout = 7200

	defaultTranslatorBaseURL = "https://openrouter.ai/api/v1"
	defaultTranslatorModel   = "google/gemini-3-flash-preview"
	defaultTranslatorTimeout = 120

	defaultMaxConcurrent = 2
	defaultPollTimeout   = 1
	defaultMaxRetries    = 3
	defaultRetryDelay    = 5

	defaultNotifyRequestTimeout = 10
	defaultNotifyMaxAttempts    = 3

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkspaceDir: defaultWorkspaceDir,
			LibraryDir:   defaultLibraryDir,
			LogDir:       defaultLogDir,
			APIBind:      defaultAPIBind,
		},
		Pipeline: Pipeline{
			TargetLanguage:    defaultTargetLanguage,
			Voice:             defaultVoice,
			DownloadTool:      defaultDownloadTool,
			TranscribeTool:    defaultTranscribeTool,
			SynthesizeTool:    defaultSynthesizeTool,
			MuxTool:           defaultMuxTool,
			DownloadTimeout:   defaultDownloadTimeout,
			TranscribeTimeout: defaultTranscribeTimeout,
			SynthesizeTimeout: defaultSynthesizeTimeout,
		},
		Translator: Translator{
			BaseURL:        defaultTranslatorBaseURL,
			Model:          defaultTranslatorModel,
			TimeoutSeconds: defaultTranslatorTimeout,
		},
		Queue: Queue{
			MaxConcurrent: defaultMaxConcurrent,
			PollTimeout:   defaultPollTimeout,
			MaxRetries:    defaultMaxRetries,
			RetryDelay:    defaultRetryDelay,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			MaxAttempts:    defaultNotifyMaxAttempts,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
