package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/eventstore/internal/domain"
)

const (
	segmentPrefix = "tasks-"
	segmentSuffix = ".jsonl"
	filePerm      = 0644
)

// TaskJournal is a segmented, file-based journal of snapshot tasks that
// did not fit in the in-memory queue. Each line holds one JSON task.
type TaskJournal struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentSize    int64
	totalSize      int64
	seq            int
}

// NewTaskJournal opens the journal in dir, creating the directory if needed.
// Segments left over from a previous run are kept for replay.
func NewTaskJournal(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*TaskJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
	}

	j := &TaskJournal{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "snapshot_task_journal"),
	}

	size, err := j.calculateTotalSize()
	if err != nil {
		return nil, err
	}
	j.totalSize = size
	return j, nil
}

// Write appends a task to the current segment, rotating when it is full.
func (j *TaskJournal) Write(ctx context.Context, task domain.SnapshotTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot task: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.totalSize+int64(len(data)) > j.maxTotalSize {
		return fmt.Errorf("snapshot task journal full (%d bytes of %d)", j.totalSize, j.maxTotalSize)
	}

	if j.currentSegment == nil {
		if err := j.rotate(); err != nil {
			return err
		}
	}

	n, err := j.currentSegment.Write(data)
	j.currentSize += int64(n)
	j.totalSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write snapshot task: %w", err)
	}

	if j.currentSize >= j.maxSegmentSize {
		j.seal()
	}
	return nil
}

// Replay seals the current segment and hands every journaled task to handler,
// oldest first. Fully replayed segments are removed. When handler fails, the
// segment is rewritten to hold only the tasks not yet delivered, so the next
// replay resumes with the task that failed. Writes made while replaying go to
// a new segment and are left for the next replay.
func (j *TaskJournal) Replay(ctx context.Context, handler func(task domain.SnapshotTask) error) error {
	j.mu.Lock()
	j.seal()
	segments, err := j.getSortedSegments()
	j.mu.Unlock()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	j.logger.Info("Replaying snapshot task journal", "segment_count", len(segments))
	replayed := 0
	for _, path := range segments {
		n, err := j.replaySegment(ctx, path, handler)
		replayed += n
		if err != nil {
			return err
		}
		j.remove(path)
	}
	j.logger.Info("Snapshot task journal replay completed", "tasks", replayed)
	return nil
}

func (j *TaskJournal) replaySegment(ctx context.Context, path string, handler func(task domain.SnapshotTask) error) (int, error) {
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}

	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return i, j.keep(path, lines[i:], err)
		}
		var task domain.SnapshotTask
		if err := json.Unmarshal(line, &task); err != nil {
			j.logger.Warn("Skipping undecodable snapshot task", "error", err, "segment", path)
			continue
		}
		if err := handler(task); err != nil {
			return i, j.keep(path, lines[i:], fmt.Errorf("replay handler failed: %w", err))
		}
	}
	return len(lines), nil
}

// keep rewrites the segment at path with the undelivered lines and returns
// cause, or the rewrite error when the segment could not be replaced.
func (j *TaskJournal) keep(path string, lines [][]byte, cause error) error {
	info, statErr := os.Stat(path)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to rewrite segment %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	var size int64
	for _, line := range lines {
		n, _ := w.Write(line)
		w.WriteByte('\n')
		size += int64(n) + 1
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to rewrite segment %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		j.logger.Error("Failed to sync rewritten journal segment", "error", err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace segment %s: %w", path, err)
	}

	if statErr == nil {
		j.mu.Lock()
		j.totalSize -= info.Size() - size
		j.mu.Unlock()
	}
	return cause
}

func readLines(path string) ([][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer file.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning segment %s: %w", path, err)
	}
	return lines, nil
}

// Truncate discards every journaled task.
func (j *TaskJournal) Truncate(ctx context.Context) error {
	j.mu.Lock()
	j.seal()
	segments, err := j.getSortedSegments()
	j.mu.Unlock()
	if err != nil {
		return err
	}
	for _, path := range segments {
		j.remove(path)
	}
	j.logger.Info("Snapshot task journal truncated", "segments", len(segments))
	return nil
}

// Len reports the number of bytes currently journaled.
func (j *TaskJournal) Len() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totalSize
}

func (j *TaskJournal) remove(path string) {
	info, statErr := os.Stat(path)
	if err := os.Remove(path); err != nil {
		j.logger.Error("Failed to remove journal segment", "path", path, "error", err)
		return
	}
	if statErr == nil {
		j.mu.Lock()
		j.totalSize -= info.Size()
		j.mu.Unlock()
	}
}

// seal closes the current segment so it becomes eligible for replay.
// Callers hold j.mu.
func (j *TaskJournal) seal() {
	if j.currentSegment == nil {
		return
	}
	if err := j.currentSegment.Sync(); err != nil {
		j.logger.Error("Failed to sync journal segment", "error", err)
	}
	if err := j.currentSegment.Close(); err != nil {
		j.logger.Error("Failed to close journal segment", "error", err)
	}
	j.currentSegment = nil
	j.currentSize = 0
}

func (j *TaskJournal) rotate() error {
	j.seal()
	j.seq++
	name := fmt.Sprintf("%s%020d-%06d%s", segmentPrefix, time.Now().UnixNano(), j.seq, segmentSuffix)
	path := filepath.Join(j.dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create journal segment %s: %w", path, err)
	}
	j.currentSegment = f
	j.currentSize = 0
	return nil
}

func (j *TaskJournal) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) && strings.HasSuffix(entry.Name(), segmentSuffix) {
			segments = append(segments, filepath.Join(j.dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func (j *TaskJournal) calculateTotalSize() (int64, error) {
	segments, err := j.getSortedSegments()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, path := range segments {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Close closes the current segment.
func (j *TaskJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seal()
	return nil
}
