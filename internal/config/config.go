package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AudioConfig contains microphone capture parameters
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	ChunkSize  int    `yaml:"chunk_size"` // samples per capture callback
	Device     string `yaml:"device"`     // substring match, empty = default input
	QueueSize  int    `yaml:"queue_size"` // buffered chunks between capture and VAD
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	Threshold       float32 `yaml:"threshold"`
	WindowSize      int     `yaml:"window_size"`      // samples per analysis window
	PrerollWindows  int     `yaml:"preroll_windows"`  // windows kept before speech onset
	HangoverWindows int     `yaml:"hangover_windows"` // silence windows before speech end
}

// SegmenterConfig contains utterance filtering thresholds
type SegmenterConfig struct {
	MinSpeakingDuration float64 `yaml:"min_speaking_duration"` // seconds
	MinAudioDuration    float64 `yaml:"min_audio_duration"`    // seconds
}

// TranscriptionConfig contains transcription service configuration
type TranscriptionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
	Language      string `yaml:"language"`
	Model         string `yaml:"model"`
}

// HTTPConfig contains control/status API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. The transcription API
// key may come from the FREESPEAK_TRANSCRIPTION_API_KEY environment
// variable instead of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if key := os.Getenv("FREESPEAK_TRANSCRIPTION_API_KEY"); key != "" {
		config.Transcription.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 22050, 44100, 48000], got %d", a.SampleRate)
	}

	if a.ChunkSize < 64 || a.ChunkSize > 8192 {
		return fmt.Errorf("chunk_size must be between 64 and 8192 samples, got %d", a.ChunkSize)
	}

	if a.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", a.QueueSize)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.WindowSize < 256 || v.WindowSize > 4096 {
		return fmt.Errorf("window_size must be between 256 and 4096 samples, got %d", v.WindowSize)
	}

	if v.PrerollWindows < 0 {
		return fmt.Errorf("preroll_windows cannot be negative, got %d", v.PrerollWindows)
	}

	if v.HangoverWindows < 1 {
		return fmt.Errorf("hangover_windows must be at least 1, got %d", v.HangoverWindows)
	}

	return nil
}

// Validate validates segmenter configuration
func (s *SegmenterConfig) Validate() error {
	if s.MinSpeakingDuration < 0 {
		return fmt.Errorf("min_speaking_duration cannot be negative, got %f", s.MinSpeakingDuration)
	}

	if s.MinAudioDuration < 0 {
		return fmt.Errorf("min_audio_duration cannot be negative, got %f", s.MinAudioDuration)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when transcription is enabled")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetMinSpeakingDuration returns the speaking threshold as a time.Duration
func (s *SegmenterConfig) GetMinSpeakingDuration() time.Duration {
	return time.Duration(s.MinSpeakingDuration * float64(time.Second))
}

// GetMinAudioDuration returns the audio threshold as a time.Duration
func (s *SegmenterConfig) GetMinAudioDuration() time.Duration {
	return time.Duration(s.MinAudioDuration * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
