// Package journal appends completed analysis sessions and ingested alerts to a JSONL file.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"signalboard-go/internal/inference"
	"signalboard-go/internal/market"
)

// Entry is one journal line. Exactly one of Analysis or Alert is set.
type Entry struct {
	Kind      string             `json:"kind"`
	Recorded  time.Time          `json:"recorded"`
	SessionID string             `json:"session_id,omitempty"`
	Analysis  *inference.Result  `json:"analysis,omitempty"`
	Text      string             `json:"text,omitempty"`
	Alert     *market.AlertEvent `json:"alert,omitempty"`
}

const (
	KindAnalysis = "analysis"
	KindAlert    = "alert"
)

// JSONLRecorder appends entries as JSON lines for later review.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// RecordAnalysis writes a finalized session with its streamed text.
func (r *JSONLRecorder) RecordAnalysis(sess *inference.Session) error {
	res, err := sess.Result()
	if err != nil || res == nil {
		return err
	}
	return r.write(Entry{Kind: KindAnalysis, SessionID: sess.ID, Analysis: res, Text: sess.Text()})
}

// RecordAlerts writes each accepted alert on its own line.
func (r *JSONLRecorder) RecordAlerts(alerts []market.AlertEvent) error {
	for i := range alerts {
		alert := alerts[i]
		if err := r.write(Entry{Kind: KindAlert, Alert: &alert}); err != nil {
			return err
		}
	}
	return nil
}

func (r *JSONLRecorder) write(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	e.Recorded = time.Now().UTC()
	return r.enc.Encode(e)
}

// Close flushes and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
