package printer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

// SpoolJob is one document handed to the OS print queue
type SpoolJob struct {
	Data []byte
	// Ext is the temp file extension the spooler uses to pick a filter (".pdf", ".txt")
	Ext string
	// Queue is an OS queue name; empty means the system default
	Queue string
}

// Spooler hands documents to the OS print spooler. It keeps no connection
// state: each Print writes a temp file, runs the spool command and removes
// the file again.
type Spooler struct {
	command []string
	runner  CommandRunner
	timeout time.Duration
	tempDir string
	logger  *slog.Logger
}

// NewSpooler creates a spooler for the given command (lp, lpr, powershell)
func NewSpooler(command []string, runner CommandRunner, timeout time.Duration, logger *slog.Logger) *Spooler {
	if runner == nil {
		runner = ExecRunner{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Spooler{
		command: command,
		runner:  runner,
		timeout: timeout,
		logger:  logger.With("component", "spooler"),
	}
}

// Available reports whether a spool command is configured
func (s *Spooler) Available() bool {
	return s != nil && len(s.command) > 0
}

// Print submits a job and waits for the spool command to accept it
func (s *Spooler) Print(ctx context.Context, job SpoolJob) error {
	if !s.Available() {
		return errors.New("no print spooler available")
	}
	if len(job.Data) == 0 {
		return errors.New("empty spool job")
	}

	ext := job.Ext
	if ext == "" {
		ext = ".txt"
	}

	f, err := os.CreateTemp(s.tempDir, "order-receipt-*"+ext)
	if err != nil {
		return errors.Wrap(err, "create spool file")
	}
	path := f.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove spool file", "path", path, "error", err)
		}
	}()

	if _, err := f.Write(job.Data); err != nil {
		f.Close()
		return errors.Wrap(err, "write spool file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "write spool file")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := s.args(job.Queue, path)
	if _, err := s.runner.Run(ctx, s.command[0], args...); err != nil {
		return errors.Wrap(err, "submit to print spooler")
	}

	s.logger.Info("job handed to print spooler", "queue", job.Queue, "bytes", len(job.Data))
	return nil
}

func (s *Spooler) args(queue, path string) []string {
	args := append([]string{}, s.command[1:]...)

	if queue != "" {
		switch filepath.Base(s.command[0]) {
		case "lp":
			args = append(args, "-d", queue)
		case "lpr":
			args = append(args, "-P", queue)
		}
	}

	return append(args, path)
}
