// Package statestore implements the Agent Supervisor's State Store
// (spec §4.1): a durable JSON document guarded by a cooperative file lock,
// append-only JSONL logs with a streaming sink and size-triggered
// rotation, and budget accounting that normalises provider-reported vs
// table-computed cost into a single scalar at this boundary.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wationgarbarad/ouroboros/internal/model"
)

// SinkFunc is a log-sink callback invoked synchronously from append_jsonl
// so newly-appended records stream to live subscribers (registered by the
// Message Bus at startup, spec §4.1).
type SinkFunc func(kind string, record interface{})

// Store is the durable JSON State Store.
type Store struct {
	dataDir   string
	lock      *fileLock
	statePath string

	rotateBytes  int64
	historyFiles int

	mu   sync.Mutex // serializes Go-side access; the file lock serializes cross-process access
	sink SinkFunc
}

// Options configures a new Store.
type Options struct {
	DataDir         string
	LockStaleAfter  time.Duration
	LogRotateBytes  int64
	LogHistoryFiles int
}

// New creates a Store rooted at opts.DataDir, creating the directory tree
// (data dir + logs/) if absent.
func New(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("statestore: data dir required")
	}
	if err := os.MkdirAll(filepath.Join(opts.DataDir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("statestore: mkdir: %w", err)
	}
	rotate := opts.LogRotateBytes
	if rotate <= 0 {
		rotate = 2 << 20 // 2 MiB per spec §4.1
	}
	history := opts.LogHistoryFiles
	if history <= 0 {
		history = 3
	}
	statePath := filepath.Join(opts.DataDir, "state.json")
	return &Store{
		dataDir:      opts.DataDir,
		statePath:    statePath,
		lock:         newFileLock(statePath+".lock", opts.LockStaleAfter),
		rotateBytes:  rotate,
		historyFiles: history,
	}, nil
}

// SetSink registers the log-sink callback used by append_jsonl.
func (s *Store) SetSink(sink SinkFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Load reads the State document, returning a fresh State (with a new
// session_id) if none exists yet.
func (s *Store) Load() (*model.State, error) {
	unlock, err := s.lock.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.State{SessionID: uuid.NewString(), UpdatedAt: time.Now().UTC()}, nil
		}
		return nil, fmt.Errorf("statestore: read: %w", err)
	}

	var st model.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("statestore: corrupt state.json: %w", err)
	}
	return &st, nil
}

// Save atomically persists st: acquire lock → write temp → atomic rename →
// release (spec §4.1). The lock is held only for the duration of the
// marshal + atomic write.
func (s *Store) Save(st *model.State) error {
	unlock, err := s.lock.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	return atomicWriteFile(s.statePath, data, 0o600)
}

// NewSession rotates st.SessionID to a fresh opaque id, per spec §3
// ("a fresh opaque id on every process start and after every accepted
// restart").
func (s *Store) NewSession(st *model.State) {
	st.SessionID = uuid.NewString()
}

// UpdateBudget converts a provider usage record into a USD delta and
// applies it to st.SpentUSD, returning the new total and whether this call
// just crossed the configured limit (for one-shot notifications).
//
// If usage.ReportedCostUSD is set, it's used verbatim; otherwise cost is
// priced from the per-model table, with cached tokens billed at the cached
// rate and subtracted from prompt tokens first (spec §4.1).
func (s *Store) UpdateBudget(st *model.State, usage model.LLMUsagePayload) (newSpent float64, justCrossed bool) {
	var delta float64
	if usage.ReportedCostUSD != nil {
		delta = *usage.ReportedCostUSD
	} else {
		delta = priceUsage(usage.Model, usage.PromptTokens, usage.CompletionTokens, usage.CachedTokens)
	}
	if delta < 0 {
		delta = 0
	}

	wasOver := st.OverBudget()
	st.SpentUSD += delta
	isOver := st.OverBudget()

	justCrossed = !wasOver && isOver
	return st.SpentUSD, justCrossed
}
