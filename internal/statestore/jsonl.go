package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AppendJSONL is the single entry point for the rotating append logs
// (chat.jsonl, tools.jsonl, events.jsonl, progress.jsonl — spec §3/§4.1).
// It rotates the target file when oversized, appends record as one JSON
// line, then invokes the registered sink synchronously so live UI
// subscribers see the record without polling.
func (s *Store) AppendJSONL(kind string, record interface{}) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	path := filepath.Join(s.dataDir, "logs", kind+".jsonl")
	if err := s.rotateIfNeeded(path); err != nil {
		return fmt.Errorf("statestore: rotate %s: %w", kind, err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s record: %w", kind, err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: open %s: %w", kind, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("statestore: write %s: %w", kind, err)
	}

	if sink != nil {
		sink(kind, record)
	}
	return nil
}

// RotateLog applies the size check to one named log outside the append
// path; the supervisor tick calls this for chat.jsonl (spec §4.7 step 1).
func (s *Store) RotateLog(kind string) error {
	return s.rotateIfNeeded(filepath.Join(s.dataDir, "logs", kind+".jsonl"))
}

// LogPath returns the on-disk path of one named append log.
func (s *Store) LogPath(kind string) string {
	return filepath.Join(s.dataDir, "logs", kind+".jsonl")
}

// rotateIfNeeded renames path → path.1 (cascading .1→.2, up to
// s.historyFiles) when path exceeds s.rotateBytes.
func (s *Store) rotateIfNeeded(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < s.rotateBytes {
		return nil
	}

	for i := s.historyFiles - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", path, i)
		dst := fmt.Sprintf("%s.%d", path, i+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	return os.Rename(path, path+".1")
}
