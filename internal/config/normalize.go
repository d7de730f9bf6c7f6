package config

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/language"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizePipeline(); err != nil {
		return err
	}
	c.normalizeTranslator()
	c.normalizeQueue()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WorkspaceDir, err = expandPath(c.Paths.WorkspaceDir); err != nil {
		return fmt.Errorf("paths.workspace_dir: %w", err)
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
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizePipeline() error {
	c.Pipeline.TargetLanguage = strings.TrimSpace(c.Pipeline.TargetLanguage)
	if c.Pipeline.TargetLanguage == "" {
		c.Pipeline.TargetLanguage = defaultTargetLanguage
	}
	tag, err := language.Parse(c.Pipeline.TargetLanguage)
	if err != nil {
		return fmt.Errorf("pipeline.target_language: %q is not a valid BCP 47 tag: %w", c.Pipeline.TargetLanguage, err)
	}
	c.Pipeline.TargetLanguage = tag.String()

	c.Pipeline.Voice = strings.TrimSpace(c.Pipeline.Voice)
	if c.Pipeline.Voice == "" {
		c.Pipeline.Voice = defaultVoice
	}
	if strings.TrimSpace(c.Pipeline.DownloadTool) == "" {
		c.Pipeline.DownloadTool = defaultDownloadTool
	}
	if strings.TrimSpace(c.Pipeline.TranscribeTool) == "" {
		c.Pipeline.TranscribeTool = defaultTranscribeTool
	}
	if strings.TrimSpace(c.Pipeline.SynthesizeTool) == "" {
		c.Pipeline.SynthesizeTool = defaultSynthesizeTool
	}
	if strings.TrimSpace(c.Pipeline.MuxTool) == "" {
		c.Pipeline.MuxTool = defaultMuxTool
	}
	if c.Pipeline.DownloadTimeout <= 0 {
		c.Pipeline.DownloadTimeout = defaultDownloadTimeout
	}
	if c.Pipeline.TranscribeTimeout <= 0 {
		c.Pipeline.TranscribeTimeout = defaultTranscribeTimeout
	}
	if c.Pipeline.SynthesizeTimeout <= 0 {
		c.Pipeline.SynthesizeTimeout = defaultSynthesizeTimeout
	}
	return nil
}

func (c *Config) normalizeTranslator() {
	c.Translator.BaseURL = strings.TrimSpace(c.Translator.BaseURL)
	if c.Translator.BaseURL == "" {
		c.Translator.BaseURL = defaultTranslatorBaseURL
	}
	c.Translator.Model = strings.TrimSpace(c.Translator.Model)
	if c.Translator.Model == "" {
		c.Translator.Model = defaultTranslatorModel
	}
	if c.Translator.TimeoutSeconds <= 0 {
		c.Translator.TimeoutSeconds = defaultTranslatorTimeout
	}
	c.Translator.APIKey = strings.TrimSpace(c.Translator.APIKey)
	if c.Translator.APIKey == "" {
		if value, ok := os.LookupEnv("REDUB_TRANSLATOR_API_KEY"); ok {
			c.Translator.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.Translator.APIKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeQueue() {
	if c.Queue.MaxConcurrent <= 0 {
		c.Queue.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Queue.PollTimeout <= 0 {
		c.Queue.PollTimeout = defaultPollTimeout
	}
	if c.Queue.MaxRetries < 0 {
		c.Queue.MaxRetries = defaultMaxRetries
	}
	if c.Queue.RetryDelay <= 0 {
		c.Queue.RetryDelay = defaultRetryDelay
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.WebhookURL = strings.TrimSpace(c.Notifications.WebhookURL)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	if c.Notifications.MaxAttempts <= 0 {
		c.Notifications.MaxAttempts = defaultNotifyMaxAttempts
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
