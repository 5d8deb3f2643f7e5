package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"

	DefaultOllamaURL = "http://localhost:11434"
	DefaultOpenAIURL = "http://localhost:11434/v1/"
)

// Config holds halo configuration.
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Reflex     ReflexConfig     `yaml:"reflex"`
	Capture    CaptureConfig    `yaml:"capture"`
	Speech     SpeechConfig     `yaml:"speech"`
	Overlay    OverlayConfig    `yaml:"overlay"`
	Control    ControlConfig    `yaml:"control"`
}

type BackendConfig struct {
	Kind         string        `yaml:"kind"`    // ollama | openai
	URL          string        `yaml:"url"`     // empty = local default for Kind
	APIKey       string        `yaml:"api_key"` // openai-compatible servers only
	Models       []string      `yaml:"models"`  // candidates, most preferred first
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type ClassifierConfig struct {
	Threshold        float64       `yaml:"threshold"`
	Temperature      float64       `yaml:"temperature"`
	MaxTokens        int           `yaml:"max_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	UnavailableAfter int           `yaml:"unavailable_after"`
}

type ReflexConfig struct {
	MinChars        int           `yaml:"min_chars"`
	ResumeDelay     time.Duration `yaml:"resume_delay"`
	EndRestartDelay time.Duration `yaml:"end_restart_delay"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	AlertCapacity   int           `yaml:"alert_capacity"`
}

type CaptureConfig struct {
	Language     string        `yaml:"language"` // whisper language, "auto" to detect
	WhisperModel string        `yaml:"whisper_model"`
	Threads      int           `yaml:"threads"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	SpeechRMS    float64       `yaml:"speech_rms"`
	SilenceRMS   float64       `yaml:"silence_rms"`
	MaxUtterance time.Duration `yaml:"max_utterance"`
}

type SpeechConfig struct {
	Language   string        `yaml:"language"` // espeak voice
	Chime      string        `yaml:"chime"`    // mp3 played before a warning, empty to disable
	Duck       bool          `yaml:"duck"`
	DuckFactor float64       `yaml:"duck_factor"`
	Fade       time.Duration `yaml:"fade"`
	Notify     bool          `yaml:"notify"`
}

type OverlayConfig struct {
	URL    string `yaml:"url"` // websocket hub, empty to disable
	Shard  string `yaml:"shard"`
	Target string `yaml:"target"`
}

type ControlConfig struct {
	Socket string `yaml:"socket"`
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:         BackendOllama,
			Models:       []string{"tinyllama:latest", "phi3:mini", "llama3:latest"},
			ProbeTimeout: 30 * time.Second,
		},
		Classifier: ClassifierConfig{
			Threshold:        0.8,
			Temperature:      0.1,
			MaxTokens:        100,
			Timeout:          60 * time.Second,
			UnavailableAfter: 3,
		},
		Reflex: ReflexConfig{
			MinChars:        10,
			ResumeDelay:     800 * time.Millisecond,
			EndRestartDelay: 800 * time.Millisecond,
			ErrorBackoff:    2 * time.Second,
			AlertCapacity:   10,
		},
		Capture: CaptureConfig{
			Language:     "en",
			WhisperModel: "third_party/whisper.cpp/models/ggml-base.en.bin",
			IdleTimeout:  8 * time.Second,
			SpeechRMS:    0.015,
			SilenceRMS:   0.008,
			MaxUtterance: 15 * time.Second,
		},
		Speech: SpeechConfig{
			Language:   "en-us",
			Chime:      "beep.mp3",
			Duck:       true,
			DuckFactor: 0.3,
			Fade:       150 * time.Millisecond,
			Notify:     true,
		},
		Overlay: OverlayConfig{
			Shard:  "halo",
			Target: "overlay",
		},
		Control: ControlConfig{
			Socket: "/tmp/halo.sock",
		},
	}
}

// applyDefaults refills fields a YAML file explicitly blanked.
func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = d.Backend.Kind
	}
	if len(cfg.Backend.Models) == 0 {
		cfg.Backend.Models = d.Backend.Models
	}
	if cfg.Backend.ProbeTimeout == 0 {
		cfg.Backend.ProbeTimeout = d.Backend.ProbeTimeout
	}
	if cfg.Capture.Language == "" {
		cfg.Capture.Language = d.Capture.Language
	}
	if cfg.Speech.Language == "" {
		cfg.Speech.Language = d.Speech.Language
	}
	if cfg.Overlay.Shard == "" {
		cfg.Overlay.Shard = d.Overlay.Shard
	}
	if cfg.Overlay.Target == "" {
		cfg.Overlay.Target = d.Overlay.Target
	}
	if cfg.Control.Socket == "" {
		cfg.Control.Socket = d.Control.Socket
	}
}

// Finalize fills values that depend on other settings. Call it after
// ApplyEnv.
func (cfg *Config) Finalize() {
	if cfg.Backend.URL != "" {
		return
	}
	switch cfg.Backend.Kind {
	case BackendOllama:
		cfg.Backend.URL = DefaultOllamaURL
	case BackendOpenAI:
		cfg.Backend.URL = DefaultOpenAIURL
	}
}

// ApplyEnv overrides file values with HALO_* variables.
func (cfg *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("HALO_BACKEND"); v != "" {
		cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv("HALO_BACKEND_URL"); v != "" {
		cfg.Backend.URL = strings.TrimSpace(v)
	}
	if v := getenv("HALO_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := getenv("HALO_MODELS"); v != "" {
		var models []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
		if len(models) > 0 {
			cfg.Backend.Models = models
		}
	}
	if v := getenv("HALO_WHISPER_MODEL"); v != "" {
		cfg.Capture.WhisperModel = v
	}
	if v := getenv("HALO_OVERLAY_URL"); v != "" {
		cfg.Overlay.URL = v
	}
	if v := getenv("HALO_LANGUAGE"); v != "" {
		cfg.Capture.Language = v
		cfg.Speech.Language = v
	}
}
