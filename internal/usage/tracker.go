// Package usage appends per-request token accounting to a JSONL file.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/ember/internal/providers"
)

// Record is one usage event, one line in the JSONL file.
type Record struct {
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	TotalTokens      int               `json:"total_tokens"`
	Timestamp        float64           `json:"timestamp"`
	Metadata         map[string]string `json:"metadata"`
}

// Tracker appends records to a JSONL file. It is write-only; nothing in
// the process reads the file back.
type Tracker struct {
	mu   sync.Mutex
	path string
}

// NewTracker creates the parent directory and returns a tracker for path.
func NewTracker(path string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}
	return &Tracker{path: path}, nil
}

// Record appends one usage record as a single JSON line.
func (t *Tracker) Record(rec *Record) error {
	if rec == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open usage log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// BuildUsage converts a provider usage report into a record. Returns nil
// when there is nothing worth recording (no report, or zero total).
func BuildUsage(provider, model string, u *providers.Usage) *Record {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	if total <= 0 {
		return nil
	}
	return &Record{
		Provider:         provider,
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
		Timestamp:        float64(time.Now().UnixNano()) / float64(time.Second),
		Metadata:         map[string]string{},
	}
}
