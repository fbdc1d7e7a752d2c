// Package journal captures per-process output into append-only log files
// plus a bounded in-memory tail used for fast subscriber catch-up.
package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RingCapacity is the bounded tail size in lines per process.
const RingCapacity = 100

// stream is the journal state for one process. The file handle is nil once
// the stream is closed; the ring and mission mapping survive until Cleanup.
type stream struct {
	missionID string
	path      string

	mu   sync.Mutex
	file *os.File
	ring []string
}

// Journal owns one log file and one ring buffer per process. Writes never
// block on subscribers and never fail because a subscriber is slow; the
// journal has no subscribers at all — fan-out lives in the broadcaster.
type Journal struct {
	root string

	mu      sync.RWMutex
	streams map[string]*stream
}

// New creates a journal rooted at <home>/logs/missions.
func New(home string) *Journal {
	return &Journal{
		root:    filepath.Join(home, "logs", "missions"),
		streams: make(map[string]*stream),
	}
}

// Open creates the log file for a process (creating parent directories),
// allocates its ring buffer, records the process→mission mapping, and
// returns the file path. Opening an already-open process is an error.
func (j *Journal) Open(processID, missionID string) (string, error) {
	dir := filepath.Join(j.root, missionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, processID+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.streams[processID]; exists {
		_ = file.Close()
		return "", fmt.Errorf("journal already open for process %s", processID)
	}
	j.streams[processID] = &stream{
		missionID: missionID,
		path:      path,
		file:      file,
		ring:      make([]string, 0, RingCapacity),
	}
	return path, nil
}

// Write appends raw bytes to the process's log file and folds them into the
// ring: the chunk is split on '\n', every non-empty element is pushed, and
// the trailing empty element is pushed only when the chunk ends with a
// newline. The ring evicts from the front past its capacity.
func (j *Journal) Write(processID string, data []byte) error {
	st := j.lookup(processID)
	if st == nil {
		return fmt.Errorf("no journal open for process %s", processID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.file != nil {
		if _, err := st.file.Write(data); err != nil {
			return fmt.Errorf("failed to write log file: %w", err)
		}
	}

	parts := strings.Split(string(data), "\n")
	endsWithNewline := len(data) > 0 && data[len(data)-1] == '\n'
	for i, part := range parts {
		last := i == len(parts)-1
		if part == "" && !(last && endsWithNewline) {
			continue
		}
		st.ring = append(st.ring, part)
	}
	if over := len(st.ring) - RingCapacity; over > 0 {
		st.ring = append(st.ring[:0:0], st.ring[over:]...)
	}
	return nil
}

// ReadAll returns the full log file contents for a process, or nil when the
// file does not exist. A missing file is not an error.
func (j *Journal) ReadAll(processID string) ([]byte, error) {
	st := j.lookup(processID)
	path := ""
	if st != nil {
		path = st.path
	} else {
		// Closed-and-dropped streams can still be read if the file survived;
		// scan the mission directories for the process log.
		path = j.findLogFile(processID)
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return data, nil
}

// RecentLines returns a snapshot copy of the process's ring buffer.
func (j *Journal) RecentLines(processID string) []string {
	st := j.lookup(processID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, len(st.ring))
	copy(out, st.ring)
	return out
}

// MissionID returns the mission a process's journal belongs to.
func (j *Journal) MissionID(processID string) (string, bool) {
	st := j.lookup(processID)
	if st == nil {
		return "", false
	}
	return st.missionID, true
}

// Close flushes and closes a process's file handle. The ring and mapping
// remain readable until Cleanup.
func (j *Journal) Close(processID string) error {
	st := j.lookup(processID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.file == nil {
		return nil
	}
	err := st.file.Sync()
	if cerr := st.file.Close(); err == nil {
		err = cerr
	}
	st.file = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// Cleanup closes every open stream and drops all journal state. Log files
// stay on disk.
func (j *Journal) Cleanup() {
	j.mu.Lock()
	streams := j.streams
	j.streams = make(map[string]*stream)
	j.mu.Unlock()

	for id, st := range streams {
		st.mu.Lock()
		if st.file != nil {
			if err := st.file.Close(); err != nil {
				slog.Warn("Failed to close journal stream", "process_id", id, "error", err)
			}
			st.file = nil
		}
		st.mu.Unlock()
	}
}

func (j *Journal) lookup(processID string) *stream {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.streams[processID]
}

func (j *Journal) findLogFile(processID string) string {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(j.root, entry.Name(), processID+".log")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
