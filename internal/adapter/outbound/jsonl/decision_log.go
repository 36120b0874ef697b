// Package jsonl provides a file-based decision log in JSON Lines format
// with daily rotation, size caps, and retention cleanup.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agoramesh/policygate/internal/domain/decision"
)

// decisionFilePattern matches log filenames: decisions-YYYY-MM-DD.log or
// decisions-YYYY-MM-DD-N.log.
var decisionFilePattern = regexp.MustCompile(`^decisions-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// logFileInfo holds parsed information about a decision log file.
type logFileInfo struct {
	name   string
	date   string
	suffix int
}

func parseLogFilename(name string) (logFileInfo, bool) {
	matches := decisionFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return logFileInfo{}, false
	}
	info := logFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return logFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortLogFiles sorts by date then suffix, chronological order.
func sortLogFiles(files []logFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// Config holds configuration for the file-based decision log.
type Config struct {
	// Dir is the directory where decision log files are stored.
	Dir string
	// RetentionDays is how long files are kept (default 90, matching the
	// default compliance window).
	RetentionDays int
	// MaxFileSizeMB is the maximum file size before rotation (default 100).
	MaxFileSizeMB int
}

// DecisionLog implements decision.Store on JSON Lines files. Queries
// scan the files on disk; an audit-grade log is written constantly and
// read rarely, so the scan is the right trade.
type DecisionLog struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	mu            sync.Mutex
	logger        *slog.Logger
	cancel        context.CancelFunc
	closed        bool
}

// NewDecisionLog creates the directory if needed, opens today's file,
// runs retention cleanup, and starts the hourly cleanup goroutine.
func NewDecisionLog(cfg Config, logger *slog.Logger) (*DecisionLog, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create decision log directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &DecisionLog{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open decision log file: %w", err)
	}

	s.runCleanup()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append writes decision records as JSON lines, rotating by date and size.
func (s *DecisionLog) Append(ctx context.Context, records ...decision.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		dateStr := rec.DecidedAt.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal decision record: %w", err)
		}
		line := append(data, '\n')
		n, err := s.currentFile.Write(line)
		if err != nil {
			return fmt.Errorf("write decision record: %w", err)
		}
		s.currentSize += int64(n)
	}
	return nil
}

// ListByAgent scans the log files newest first and returns an agent's
// decisions, newest first within the result.
func (s *DecisionLog) ListByAgent(ctx context.Context, agentID string, onlyDenied bool, since time.Time, limit int) ([]decision.Record, error) {
	var result []decision.Record
	err := s.scan(func(rec decision.Record) bool {
		if rec.AgentID != agentID {
			return true
		}
		if onlyDenied && !rec.Denied() {
			return true
		}
		if !since.IsZero() && rec.DecidedAt.Before(since) {
			return true
		}
		result = append(result, rec)
		return true
	})
	if err != nil {
		return nil, err
	}

	// Files scan oldest first; flip to newest first, then cap.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountByAgent scans the log files and returns total and denied counts.
func (s *DecisionLog) CountByAgent(ctx context.Context, agentID string, since time.Time) (total, denied int64, err error) {
	err = s.scan(func(rec decision.Record) bool {
		if rec.AgentID != agentID {
			return true
		}
		if !since.IsZero() && rec.DecidedAt.Before(since) {
			return true
		}
		total++
		if rec.Denied() {
			denied++
		}
		return true
	})
	if err != nil {
		return 0, 0, err
	}
	return total, denied, nil
}

// Flush syncs the current file to disk.
func (s *DecisionLog) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup goroutine and closes the current file.
func (s *DecisionLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// scan visits every record in every log file in chronological order.
// Malformed lines are skipped with a warning; a torn final line from a
// crash must not poison historical queries.
func (s *DecisionLog) scan(visit func(decision.Record) bool) error {
	s.mu.Lock()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
	}
	s.mu.Unlock()

	files, err := s.listFiles()
	if err != nil {
		return err
	}
	for _, info := range files {
		if err := s.scanFile(info.name, visit); err != nil {
			return err
		}
	}
	return nil
}

func (s *DecisionLog) scanFile(name string, visit func(decision.Record) bool) error {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("open log file %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec decision.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("decision log: skipping malformed line",
				"file", name, "error", err)
			continue
		}
		if !visit(rec) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read log file %s: %w", name, err)
	}
	return nil
}

func (s *DecisionLog) listFiles() ([]logFileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read decision log directory: %w", err)
	}
	var files []logFileInfo
	for _, e := range entries {
		if info, ok := parseLogFilename(e.Name()); ok {
			files = append(files, info)
		}
	}
	sortLogFiles(files)
	return files, nil
}

func (s *DecisionLog) openCurrentFile(dateStr string) error {
	suffix := s.findHighestSuffix(dateStr)
	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

func (s *DecisionLog) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseLogFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

func (s *DecisionLog) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := s.buildFilename(dateStr, suffix)
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

func (s *DecisionLog) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("decisions-%s.log", dateStr)
	}
	return fmt.Sprintf("decisions-%s-%d.log", dateStr, suffix)
}

// rotateDateLocked closes the current file and opens one for the given
// date. Must be called with s.mu held.
func (s *DecisionLog) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix = 0
	s.currentSize = 0
	s.currentDate = dateStr

	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// rotateSizeLocked opens a new file with an incremented suffix.
// Must be called with s.mu held.
func (s *DecisionLog) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix++
	s.currentSize = 0

	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// runCleanup deletes log files older than the retention period.
func (s *DecisionLog) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("decision log cleanup: failed to read directory",
			"dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, e := range entries {
		info, ok := parseLogFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("decision log cleanup: failed to delete file",
					"file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.logger.Info("decision log cleanup completed", "deleted", deleted)
	}
}

func (s *DecisionLog) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// Compile-time interface verification.
var _ decision.Store = (*DecisionLog)(nil)
