// Package journal provides an append-only durability log for tracked
// metric records. Records are journaled before aggregation so a crash
// between accept and aggregate loses nothing.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stagegate/stagegate/internal/api"
)

// Journal is a daily append-only file of metric records, one JSON
// document per line, fsynced on every append.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// New creates or opens today's journal file under dirPath.
func New(dirPath string) (*Journal, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dirPath, fmt.Sprintf("track-%s.journal", time.Now().Format("20060102")))

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file: file,
		path: path,
	}, nil
}

// Path returns the backing file path.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Append writes one record to the journal with fsync.
func (j *Journal) Append(rec *api.MetricRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	// Critical: fsync to ensure durability
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Replay reads all records from a journal file. Malformed lines are
// skipped rather than aborting the replay.
func Replay(path string) ([]api.MetricRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []api.MetricRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var rec api.MetricRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Validate() != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, scanner.Err()
}

// ReplayDir reads every journal file under dirPath in name order, which
// for daily files is chronological order.
func ReplayDir(dirPath string) ([]api.MetricRecord, error) {
	paths, err := filepath.Glob(filepath.Join(dirPath, "track-*.journal"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var records []api.MetricRecord
	for _, path := range paths {
		recs, err := Replay(path)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", path, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

// Rotate closes the current journal, opens a fresh one in the same
// directory and returns it along with the old file path.
func Rotate(dirPath string, current *Journal) (*Journal, string, error) {
	current.mu.Lock()
	oldPath := current.path
	current.mu.Unlock()

	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current journal: %w", err)
	}

	next, err := New(dirPath)
	if err != nil {
		return nil, "", err
	}

	return next, oldPath, nil
}
