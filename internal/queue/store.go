// Package queue is the on-disk mailbox remote callers drop print jobs into.
// Each job is one <id>.json file in the queue directory. A job is deleted a
// grace period after it is first fetched, when it is acknowledged, or when
// it outlives the TTL without being picked up.
package queue

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/thereceipt/order-print-agent/internal/clock"
)

const (
	DefaultGracePeriod = 30 * time.Second
	DefaultTTL         = 24 * time.Hour
	DefaultJobType     = "order"
)

// ErrJobNotFound marks fetches of missing, deleted or expired jobs
var ErrJobNotFound = errors.New("print job not found")

// ErrInvalidJob is returned by Enqueue for missing or malformed job data
var ErrInvalidJob = errors.New("job data must be valid JSON")

// QueueError reports a failed lookup of one job
type QueueError struct {
	JobID int64
	Cause error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("print job %d: %v", e.JobID, e.Cause)
}

func (e *QueueError) Unwrap() error { return e.Cause }

// Job is one queued print request
type Job struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Entry is the listing view of a job
type Entry struct {
	File      string    `json:"file"`
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures the store
type Config struct {
	Dir         string
	GracePeriod time.Duration
	TTL         time.Duration
}

// Store keeps jobs as files. It is safe for concurrent use; other processes
// may share the directory.
type Store struct {
	dir    string
	grace  time.Duration
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger
	link   func(oldname, newname string) error

	mu      sync.Mutex
	lastID  int64
	fetched map[int64]time.Time
	timers  map[int64]clock.Timer
}

// NewStore creates the queue directory if needed
func NewStore(cfg Config, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("queue directory is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create queue directory %s", cfg.Dir)
	}

	return &Store{
		dir:     cfg.Dir,
		grace:   cfg.GracePeriod,
		ttl:     cfg.TTL,
		clock:   clk,
		logger:  logger.With("component", "print_queue"),
		link:    os.Link,
		fetched: make(map[int64]time.Time),
		timers:  make(map[int64]clock.Timer),
	}, nil
}

// Enqueue stores a new job. The job file appears atomically.
func (s *Store) Enqueue(kind string, data json.RawMessage) (*Job, error) {
	if kind == "" {
		kind = DefaultJobType
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, ErrInvalidJob
	}

	job := &Job{Type: kind, Data: data}

	for attempt := 0; attempt < 100; attempt++ {
		job.ID = s.nextID()
		job.Timestamp = s.clock.Now().UTC()

		err := s.write(job)
		if err == nil {
			s.logger.Info("print job queued", "job_id", job.ID, "type", job.Type)
			return job, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
	}

	return nil, errors.New("could not allocate a unique job id")
}

// Fetch reads a job. The first fetch arms the grace-period deletion; a fetch
// after the grace period reports not found even if the deletion has not run.
func (s *Store) Fetch(id int64) (*Job, error) {
	s.mu.Lock()
	first, wasFetched := s.fetched[id]
	s.mu.Unlock()

	if wasFetched && s.clock.Now().Sub(first) >= s.grace {
		s.Delete(id)
		return nil, s.notFound(id, "grace period elapsed")
	}

	job, err := s.read(id)
	if err != nil {
		return nil, err
	}

	if s.clock.Now().Sub(job.Timestamp) >= s.ttl {
		s.Delete(id)
		return nil, s.notFound(id, "expired")
	}

	if !wasFetched {
		s.armGrace(id)
	}

	return job, nil
}

// Peek reads a job without counting as a retrieval
func (s *Store) Peek(id int64) (*Job, error) {
	job, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if s.clock.Now().Sub(job.Timestamp) >= s.ttl {
		return nil, s.notFound(id, "expired")
	}
	return job, nil
}

// List returns the queued jobs, oldest first
func (s *Store) List() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read queue directory")
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		id, ok := parseFileName(f.Name())
		if !ok || f.IsDir() {
			continue
		}

		entry := Entry{File: f.Name(), ID: id, Timestamp: time.UnixMilli(id).UTC()}
		job, err := s.read(id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err == nil {
			entry.Timestamp = job.Timestamp
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Ack records the outcome reported by the agent. Success deletes the job
// now; failure cancels the pending deletion so the job can be fetched again
// until the TTL.
func (s *Store) Ack(id int64, success bool) error {
	if _, err := os.Stat(s.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.notFound(id, "not queued")
		}
		return errors.Wrapf(err, "stat job %d", id)
	}

	if success {
		return s.Delete(id)
	}

	s.mu.Lock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	delete(s.fetched, id)
	s.mu.Unlock()

	s.logger.Info("print job released for retry", "job_id", id)
	return nil
}

// Delete removes a job. Deleting a job that is already gone is not an error.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	delete(s.fetched, id)
	s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "delete job %d", id)
	}

	s.logger.Debug("print job deleted", "job_id", id)
	return nil
}

// Sweep deletes jobs past the TTL and fetched jobs past the grace period.
// It returns how many jobs were removed.
func (s *Store) Sweep() (int, error) {
	entries, err := s.List()
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	removed := 0
	for _, e := range entries {
		s.mu.Lock()
		first, wasFetched := s.fetched[e.ID]
		s.mu.Unlock()

		expired := now.Sub(e.Timestamp) >= s.ttl
		pastGrace := wasFetched && now.Sub(first) >= s.grace
		if !expired && !pastGrace {
			continue
		}

		if err := s.Delete(e.ID); err != nil {
			s.logger.Warn("failed to sweep print job", "job_id", e.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("swept print jobs", "removed", removed)
	}
	return removed, nil
}

// Close stops pending deletion timers. Files stay on disk for the TTL sweep.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	return nil
}

func (s *Store) armGrace(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fetched[id]; ok {
		return
	}
	s.fetched[id] = s.clock.Now()
	s.timers[id] = s.clock.AfterFunc(s.grace, func() {
		if err := s.Delete(id); err != nil {
			s.logger.Warn("grace deletion failed", "job_id", id, "error", err)
		}
	})
}

// nextID is the creation time in milliseconds, bumped past the last id
func (s *Store) nextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.clock.Now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

// write puts the job in place through a temp file so readers never see a
// partial job. It fails with fs.ErrExist if the id is taken.
func (s *Store) write(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}

	tmp, err := os.CreateTemp(s.dir, ".job-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create job file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write job file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync job file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close job file")
	}

	final := s.path(job.ID)

	linkErr := s.link(tmpPath, final)
	if linkErr == nil {
		return nil
	}
	if errors.Is(linkErr, fs.ErrExist) {
		return linkErr
	}

	// No hard links on this filesystem. An empty file reserves the id, then
	// the rename replaces it; readers treat the empty file as not queued.
	reservation, err := os.OpenFile(final, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return errors.Wrap(err, "reserve job file")
	}
	reservation.Close()

	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(final)
		return errors.Wrap(err, "publish job file")
	}
	return nil
}

func (s *Store) read(id int64) (*Job, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, s.notFound(id, "not queued")
		}
		return nil, errors.Wrapf(err, "read job %d", id)
	}
	if len(data) == 0 {
		return nil, s.notFound(id, "not queued")
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrapf(err, "decode job %d", id)
	}
	return &job, nil
}

func (s *Store) notFound(id int64, reason string) error {
	return &QueueError{JobID: id, Cause: errors.Mark(errors.Newf("%s", reason), ErrJobNotFound)}
}

func (s *Store) path(id int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(id, 10)+".json")
}

func parseFileName(name string) (int64, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
