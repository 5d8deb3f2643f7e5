package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := validateBackend(cfg.Backend); err != nil {
		return err
	}

	c := cfg.Classifier
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("classifier.threshold must be in (0, 1], got %v", c.Threshold)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("classifier.temperature must be in [0, 2], got %v", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return errors.New("classifier.max_tokens must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("classifier.timeout must be positive")
	}

	r := cfg.Reflex
	if r.MinChars <= 0 {
		return errors.New("reflex.min_chars must be positive")
	}
	if r.ResumeDelay < 0 || r.EndRestartDelay < 0 || r.ErrorBackoff < 0 {
		return errors.New("reflex delays must not be negative")
	}
	if r.ErrorBackoff < r.EndRestartDelay {
		return fmt.Errorf("reflex.error_backoff (%s) must not be shorter than reflex.end_restart_delay (%s)", r.ErrorBackoff, r.EndRestartDelay)
	}
	if r.AlertCapacity <= 0 {
		return errors.New("reflex.alert_capacity must be positive")
	}

	if cfg.Capture.SilenceRMS > cfg.Capture.SpeechRMS {
		return errors.New("capture.silence_rms must not exceed capture.speech_rms")
	}

	if cfg.Speech.Duck && (cfg.Speech.DuckFactor <= 0 || cfg.Speech.DuckFactor > 1) {
		return fmt.Errorf("speech.duck_factor must be in (0, 1], got %v", cfg.Speech.DuckFactor)
	}

	if cfg.Overlay.URL != "" {
		if err := validateURL("overlay.url", cfg.Overlay.URL, "ws", "wss"); err != nil {
			return err
		}
	}

	return nil
}

func validateBackend(b BackendConfig) error {
	switch b.Kind {
	case BackendOllama, BackendOpenAI:
	default:
		return fmt.Errorf("backend.kind must be %q or %q, got %q", BackendOllama, BackendOpenAI, b.Kind)
	}

	if strings.TrimSpace(b.URL) == "" {
		return errors.New("backend.url must be set")
	}
	if err := validateURL("backend.url", b.URL, "http", "https"); err != nil {
		return err
	}

	if len(b.Models) == 0 {
		return errors.New("backend.models must list at least one model")
	}
	for i, m := range b.Models {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("backend.models[%d] is empty", i)
		}
	}

	if b.ProbeTimeout <= 0 {
		return errors.New("backend.probe_timeout must be positive")
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s is not a valid url: %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", field, schemes, u.Scheme)
}
