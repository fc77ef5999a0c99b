package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	runLogPrefix = "run-"
	runLogSuffix = ".log"
)

// RunLog is one invocation's log file.
type RunLog struct {
	ID   string
	Path string
	file *os.File
}

// OpenRunLog creates a new run log in dir and prunes older run logs so that at
// most retain files remain, the new one included.
func OpenRunLog(dir string, retain int, now time.Time) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	id := uuid.New().String()[:8]
	name := fmt.Sprintf("%s%s-%s%s", runLogPrefix, now.UTC().Format("20060102T150405Z"), id, runLogSuffix)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	if err := Prune(dir, retain); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &RunLog{ID: id, Path: path, file: f}, nil
}

// Write implements io.Writer.
func (r *RunLog) Write(p []byte) (int, error) { return r.file.Write(p) }

// Close closes the file.
func (r *RunLog) Close() error { return r.file.Close() }

// Prune deletes the oldest run logs in dir until at most retain remain. Names sort
// chronologically because they start with a UTC timestamp.
func Prune(dir string, retain int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list log dir: %w", err)
	}

	var logs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), runLogPrefix) && strings.HasSuffix(e.Name(), runLogSuffix) {
			logs = append(logs, e.Name())
		}
	}
	if retain < 1 {
		retain = 1
	}
	if len(logs) <= retain {
		return nil
	}

	sort.Strings(logs)
	for _, name := range logs[:len(logs)-retain] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old run log %s: %w", name, err)
		}
	}
	return nil
}
