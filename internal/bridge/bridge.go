package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zetaphor/freespeak/internal/audio"
)

// ErrUnavailable indicates a segment arrived before any sink was
// registered. The segment is dropped; the bridge never queues.
var ErrUnavailable = errors.New("bridge: no transcription sink registered")

// Request is the unit of work handed to a sink. Payload carries the
// complete WAV container, standard base64.
type Request struct {
	SegmentID  string        `json:"segment_id"`
	Payload    string        `json:"payload"`
	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration"`
	SizeBytes  int           `json:"size_bytes"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Result is a sink's transcription of one segment.
type Result struct {
	SegmentID string  `json:"segment_id"`
	Text      string  `json:"text"`
	Language  string  `json:"language,omitempty"`
	Duration  float64 `json:"duration"`
}

// Sink consumes finalized segments. Implementations must be safe for
// concurrent use.
type Sink interface {
	Transcribe(ctx context.Context, req *Request) (*Result, error)
}

// Recorder receives delivery observations. A nil recorder disables
// recording.
type Recorder interface {
	RecordTranscriptionSuccess(duration time.Duration)
	RecordTranscriptionFailure(duration time.Duration)
}

// Stats summarizes bridge activity.
type Stats struct {
	Sent          uint64 `json:"sent"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	DroppedNoSink uint64 `json:"dropped_no_sink"`
	DroppedBusy   uint64 `json:"dropped_busy"`
}

// Bridge hands finalized segments to a transcription sink. The sink is
// registered late, typically after the capture pipeline is already
// running; sends before registration drop with ErrUnavailable. Delivery
// is a single attempt per segment with no retry.
type Bridge struct {
	logger  *slog.Logger
	timeout time.Duration

	mu   sync.RWMutex
	sink Sink
	rec  Recorder

	listenerMu sync.Mutex
	listeners  []func(Result)

	inFlight chan struct{}
	wg       sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New creates a bridge with no sink. maxInFlight bounds concurrent
// deliveries; sends beyond the bound are dropped rather than queued.
func New(logger *slog.Logger, maxInFlight int, timeout time.Duration) *Bridge {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		logger:   logger,
		timeout:  timeout,
		inFlight: make(chan struct{}, maxInFlight),
	}
}

// RegisterSink attaches the sink. Safe to call while sends are in
// progress; replaces any previous sink for future sends.
func (b *Bridge) RegisterSink(sink Sink) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
	b.logger.Info("transcription sink registered")
}

// SetRecorder attaches a delivery observer.
func (b *Bridge) SetRecorder(rec Recorder) {
	b.mu.Lock()
	b.rec = rec
	b.mu.Unlock()
}

// AddResultListener registers a callback for completed transcriptions.
func (b *Bridge) AddResultListener(fn func(Result)) {
	b.listenerMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenerMu.Unlock()
}

// Send hands a segment to the registered sink. It returns immediately;
// delivery runs on its own goroutine. ErrUnavailable if no sink is
// registered, an error if the in-flight bound is reached. Either way
// the segment is gone: callers do not retry.
func (b *Bridge) Send(seg *audio.Segment) error {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	if sink == nil {
		b.statsMu.Lock()
		b.stats.DroppedNoSink++
		b.statsMu.Unlock()
		return ErrUnavailable
	}

	duration, err := audio.Duration(seg.Data)
	if err != nil {
		return fmt.Errorf("bridge: unreadable segment: %w", err)
	}

	req := &Request{
		SegmentID:  uuid.NewString(),
		Payload:    base64.StdEncoding.EncodeToString(seg.Data),
		SampleRate: seg.SampleRate,
		Duration:   duration,
		SizeBytes:  len(seg.Data),
		CapturedAt: time.Now(),
	}

	select {
	case b.inFlight <- struct{}{}:
	default:
		b.statsMu.Lock()
		b.stats.DroppedBusy++
		b.statsMu.Unlock()
		return fmt.Errorf("bridge: in-flight limit reached, segment %s dropped", req.SegmentID)
	}

	b.statsMu.Lock()
	b.stats.Sent++
	b.statsMu.Unlock()

	b.wg.Add(1)
	go b.deliver(sink, req)
	return nil
}

func (b *Bridge) deliver(sink Sink, req *Request) {
	defer b.wg.Done()
	defer func() { <-b.inFlight }()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	b.mu.RLock()
	rec := b.rec
	b.mu.RUnlock()

	start := time.Now()
	res, err := sink.Transcribe(ctx, req)
	if err != nil {
		b.statsMu.Lock()
		b.stats.Failed++
		b.statsMu.Unlock()
		if rec != nil {
			rec.RecordTranscriptionFailure(time.Since(start))
		}
		b.logger.Warn("transcription failed, segment dropped",
			slog.String("segment_id", req.SegmentID),
			slog.Duration("segment_duration", req.Duration),
			slog.String("error", err.Error()),
		)
		return
	}

	b.statsMu.Lock()
	b.stats.Delivered++
	b.statsMu.Unlock()
	if rec != nil {
		rec.RecordTranscriptionSuccess(time.Since(start))
	}

	b.logger.Info("segment transcribed",
		slog.String("segment_id", req.SegmentID),
		slog.String("text", res.Text),
		slog.Duration("elapsed", time.Since(start)),
	)
	b.notify(*res)
}

// GetStats returns a snapshot of bridge counters.
func (b *Bridge) GetStats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// Close waits for in-flight deliveries to finish.
func (b *Bridge) Close() error {
	b.wg.Wait()
	return nil
}

func (b *Bridge) notify(res Result) {
	b.listenerMu.Lock()
	listeners := make([]func(Result), len(b.listeners))
	copy(listeners, b.listeners)
	b.listenerMu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("result listener panicked", slog.Any("panic", r))
				}
			}()
			fn(res)
		}()
	}
}
