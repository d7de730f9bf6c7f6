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
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.WorkspaceDir) == "" {
		return errors.New("paths.workspace_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LibraryDir) == "" {
		return errors.New("paths.library_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.download_timeout":   c.Pipeline.DownloadTimeout,
		"pipeline.transcribe_timeout": c.Pipeline.TranscribeTimeout,
		"pipeline.synthesize_timeout": c.Pipeline.SynthesizeTimeout,
		"translator.timeout_seconds":  c.Translator.TimeoutSeconds,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.MaxConcurrent <= 0 {
		return errors.New("queue.max_concurrent must be positive")
	}
	if c.Queue.PollTimeout <= 0 {
		return errors.New("queue.poll_timeout must be positive (seconds)")
	}
	if c.Queue.RetryDelay <= 0 {
		return errors.New("queue.retry_delay must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.WebhookURL != "" {
		parsed, err := url.Parse(c.Notifications.WebhookURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("notifications.webhook_url %q is not a valid URL", c.Notifications.WebhookURL)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive (seconds)")
	}
	if c.Notifications.MaxAttempts < 1 {
		return errors.New("notifications.max_attempts must be >= 1")
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
