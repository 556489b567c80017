package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

type TranscriptionResponse struct {
	SegmentID string  `json:"segment_id"`
	Text      string  `json:"text"`
	Language  string  `json:"language"`
	Duration  float64 `json:"duration"`
}

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse multipart form
	err := r.ParseMultipartForm(10 << 20) // 10 MB
	if err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	segmentID := r.FormValue("segment_id")
	sampleRate := r.FormValue("sample_rate")
	duration := r.FormValue("duration")
	capturedAt := r.FormValue("captured_at")
	language := r.FormValue("language")
	payload := r.FormValue("payload")

	audioData, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		http.Error(w, "Error decoding payload", http.StatusBadRequest)
		return
	}

	log.Printf("🎤 TRANSCRIPTION REQUEST RECEIVED:")
	log.Printf("  ═══════════════════════════════════")
	log.Printf("    Segment ID: %s", segmentID)
	log.Printf("    Sample Rate: %s Hz", sampleRate)
	log.Printf("    Duration: %s seconds", duration)
	log.Printf("    Captured At: %s", capturedAt)
	log.Printf("    Language: %s", language)
	log.Printf("    Audio Size: %d bytes", len(audioData))
	log.Printf("  ═══════════════════════════════════")

	// Simulate processing time
	time.Sleep(200 * time.Millisecond)

	// Create fake transcription response
	response := TranscriptionResponse{
		SegmentID: segmentID,
		Text:      "this is a test transcription of the dictated segment",
		Language:  "en",
		Duration:  parseFloat64(duration),
	}

	// Send JSON response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("✅ TRANSCRIPTION RESPONSE SENT: '%s'", response.Text)
	log.Println("---")
}

func parseFloat64(s string) float64 {
	var val float64
	fmt.Sscanf(s, "%f", &val)
	return val
}

func main() {
	http.HandleFunc("/transcribe", transcribeHandler)

	port := ":9000"
	log.Printf("🚀 Test Transcription Server starting on port %s", port)
	log.Printf("📡 Endpoint: http://localhost%s/transcribe", port)
	log.Println("💡 Update your config to use: http://localhost:9000/transcribe")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
