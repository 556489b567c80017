package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Audio: AudioConfig{
			SampleRate: 16000,
			ChunkSize:  512,
			QueueSize:  32,
		},
		VAD: VADConfig{
			Threshold:       0.5,
			WindowSize:      512,
			PrerollWindows:  10,
			HangoverWindows: 8,
		},
		Segmenter: SegmenterConfig{
			MinSpeakingDuration: 0.5,
			MinAudioDuration:    1.0,
		},
		Transcription: TranscriptionConfig{
			Enabled:       true,
			Endpoint:      "https://api.example.com/transcribe",
			APIKey:        "test-key",
			Timeout:       30,
			MaxConcurrent: 4,
			Language:      "en",
		},
		HTTP: HTTPConfig{
			Port:    8090,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(*Config) {},
			expectError: false,
		},
		{
			name:        "invalid sample rate",
			mutate:      func(c *Config) { c.Audio.SampleRate = 12345 },
			expectError: true,
			errorMsg:    "sample_rate must be one of",
		},
		{
			name:        "chunk size too small",
			mutate:      func(c *Config) { c.Audio.ChunkSize = 16 },
			expectError: true,
			errorMsg:    "chunk_size must be between",
		},
		{
			name:        "threshold out of range",
			mutate:      func(c *Config) { c.VAD.Threshold = 1.5 },
			expectError: true,
			errorMsg:    "threshold must be between 0 and 1",
		},
		{
			name:        "window size too small",
			mutate:      func(c *Config) { c.VAD.WindowSize = 64 },
			expectError: true,
			errorMsg:    "window_size must be between",
		},
		{
			name:        "zero hangover",
			mutate:      func(c *Config) { c.VAD.HangoverWindows = 0 },
			expectError: true,
			errorMsg:    "hangover_windows must be at least 1",
		},
		{
			name:        "negative speaking duration",
			mutate:      func(c *Config) { c.Segmenter.MinSpeakingDuration = -1 },
			expectError: true,
			errorMsg:    "min_speaking_duration cannot be negative",
		},
		{
			name:        "transcription enabled without endpoint",
			mutate:      func(c *Config) { c.Transcription.Endpoint = "" },
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
		{
			name: "transcription disabled skips endpoint check",
			mutate: func(c *Config) {
				c.Transcription.Enabled = false
				c.Transcription.Endpoint = ""
			},
			expectError: false,
		},
		{
			name:        "http port out of range",
			mutate:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name: "http disabled skips port check",
			mutate: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Port = 0
			},
			expectError: false,
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
		{
			name:        "invalid log format",
			mutate:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
			errorMsg:    "format must be 'json' or 'text'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid file",
			configYAML: `
audio:
  sample_rate: 16000
  chunk_size: 512
  queue_size: 32
vad:
  threshold: 0.5
  window_size: 512
  preroll_windows: 10
  hangover_windows: 8
segmenter:
  min_speaking_duration: 0.5
  min_audio_duration: 1.0
transcription:
  enabled: false
http:
  enabled: false
logging:
  level: info
  format: text
  output: stdout
`,
			expectError: false,
		},
		{
			name:        "invalid yaml",
			configYAML:  "audio: [not a mapping",
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "validation failure surfaces",
			configYAML: `
audio:
  sample_rate: 11025
  chunk_size: 512
  queue_size: 32
vad:
  threshold: 0.5
  window_size: 512
  hangover_windows: 8
transcription:
  enabled: false
http:
  enabled: false
logging:
  level: info
  format: text
`,
			expectError: true,
			errorMsg:    "sample_rate must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestAPIKeyFromEnvironment(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	configYAML := `
audio:
  sample_rate: 16000
  chunk_size: 512
  queue_size: 32
vad:
  threshold: 0.5
  window_size: 512
  hangover_windows: 8
segmenter:
  min_speaking_duration: 0.5
  min_audio_duration: 1.0
transcription:
  enabled: true
  endpoint: https://api.example.com/transcribe
  api_key: file-key
  timeout: 30
  max_concurrent: 4
http:
  enabled: false
logging:
  level: info
  format: text
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	t.Setenv("FREESPEAK_TRANSCRIPTION_API_KEY", "env-key")

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Transcription.APIKey != "env-key" {
		t.Errorf("APIKey = %q, environment variable should win", config.Transcription.APIKey)
	}
}

func TestDurationHelpers(t *testing.T) {
	segmenter := SegmenterConfig{
		MinSpeakingDuration: 0.5,
		MinAudioDuration:    1.0,
	}

	if segmenter.GetMinSpeakingDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", segmenter.GetMinSpeakingDuration())
	}

	if segmenter.GetMinAudioDuration() != time.Second {
		t.Errorf("Expected 1 second, got %v", segmenter.GetMinAudioDuration())
	}

	transcription := TranscriptionConfig{
		Timeout: 30,
	}

	if transcription.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", transcription.GetTimeoutDuration())
	}
}
