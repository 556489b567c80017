package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

// SinkConfig contains transcription service client configuration.
type SinkConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
	Language      string
	Model         string
}

// SinkStats represents transcription sink statistics.
type SinkStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// TranscriptionSink posts segments to an HTTP transcription service as
// multipart form data. Each segment is one attempt: a failed request
// drops the segment.
type TranscriptionSink struct {
	config     SinkConfig
	logger     *slog.Logger
	httpClient *http.Client
	semaphore  chan struct{}

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// NewTranscriptionSink creates an HTTP sink for the configured service.
func NewTranscriptionSink(config SinkConfig, logger *slog.Logger) (*TranscriptionSink, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &TranscriptionSink{
		config:     config,
		logger:     logger,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Transcribe posts one segment and returns the service's transcription.
func (s *TranscriptionSink) Transcribe(ctx context.Context, req *Request) (*Result, error) {
	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	s.incrementTotalRequests()

	result, err := s.doRequest(ctx, req)
	if err != nil {
		s.incrementFailedRequests()
		return nil, err
	}

	s.incrementSuccessRequests()
	s.updateAvgResponseTime(time.Since(startTime))
	return result, nil
}

func (s *TranscriptionSink) doRequest(ctx context.Context, req *Request) (*Result, error) {
	body, contentType, err := s.createMultipartRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "freespeak/1.0")
	if s.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if result.SegmentID == "" {
		result.SegmentID = req.SegmentID
	}

	return &result, nil
}

// createMultipartRequest builds the form body. The audio travels in
// the payload field as base64 WAV, alongside segment metadata.
func (s *TranscriptionSink) createMultipartRequest(req *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		"payload":     req.Payload,
		"segment_id":  req.SegmentID,
		"sample_rate": fmt.Sprintf("%d", req.SampleRate),
		"duration":    fmt.Sprintf("%.3f", req.Duration.Seconds()),
		"size_bytes":  fmt.Sprintf("%d", req.SizeBytes),
		"captured_at": req.CapturedAt.Format(time.RFC3339),
		"format":      "wav",

		"response_format": "json",
	}

	if s.config.Language != "" {
		fields["language"] = s.config.Language
	}
	if s.config.Model != "" {
		fields["model"] = s.config.Model
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

func (s *TranscriptionSink) incrementTotalRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
}

func (s *TranscriptionSink) incrementSuccessRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successRequests++
}

func (s *TranscriptionSink) incrementFailedRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedRequests++
}

func (s *TranscriptionSink) updateAvgResponseTime(responseTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Simple moving average
	if s.avgResponseTime == 0 {
		s.avgResponseTime = responseTime
	} else {
		s.avgResponseTime = (s.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current sink statistics.
func (s *TranscriptionSink) GetStats() SinkStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	successRate := float64(0)
	if s.totalRequests > 0 {
		successRate = float64(s.successRequests) / float64(s.totalRequests) * 100
	}

	activeRequests := len(s.semaphore)

	return SinkStats{
		TotalRequests:   s.totalRequests,
		SuccessRequests: s.successRequests,
		FailedRequests:  s.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: s.avgResponseTime,
		ActiveRequests:  activeRequests,
	}
}

// Close waits for all active requests to complete.
func (s *TranscriptionSink) Close() error {
	for i := 0; i < s.config.MaxConcurrent; i++ {
		s.semaphore <- struct{}{}
	}
	return nil
}
