package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/taskping/taskping/engine/core"
)

// Entry is one state transition. The log is append-only and exists for
// post-hoc debugging and reconciliation audits.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Token     core.ID         `json:"token"`
	TaskID    string          `json:"task_id"`
	From      core.StatusType `json:"from_state"`
	To        core.StatusType `json:"to_state"`
	Reason    string          `json:"reason"`
}

// Recorder persists transition entries. Implementations must be safe for
// concurrent use: the sweep and the webhook receiver both record.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// -----------------------------------------------------------------------------
// File Recorder
// -----------------------------------------------------------------------------

// FileRecorder appends one JSON line per transition.
type FileRecorder struct {
	mu   sync.Mutex
	file *os.File
}

func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileRecorder{file: f}, nil
}

func (r *FileRecorder) Record(_ context.Context, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// -----------------------------------------------------------------------------
// Memory Recorder
// -----------------------------------------------------------------------------

// MemoryRecorder collects entries for tests and for the operator summary.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// NopRecorder drops every entry.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) error {
	return nil
}
