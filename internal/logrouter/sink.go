package logrouter

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/appvisor/internal/process"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink is an append-only destination for encoded log lines.
type Sink interface {
	io.Writer
	io.Closer
}

// NewSink returns the sink for path: a discard sink for "" and /dev/null,
// a lumberjack rotating writer when rotation is configured, otherwise a
// file that is reopened by path whenever it is rotated away externally.
func NewSink(path string, rotate process.LogRotate) (Sink, error) {
	if path == "" || path == os.DevNull {
		return discardSink{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	if rotate.Enabled() {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    rotate.MaxSizeMB,
			MaxBackups: rotate.MaxBackups,
			MaxAge:     rotate.MaxAgeDays,
			Compress:   rotate.Compress,
			LocalTime:  true,
		}, nil
	}
	s := &fileSink{path: path}
	if err := s.reopen(); err != nil {
		return nil, err
	}
	return s, nil
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

// fileSink appends to path. Before each write it checks that path still
// names the open file and reopens it otherwise (logrotate, rm, mv).
type fileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	info os.FileInfo
}

func (s *fileSink) reopen() error {
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	// #nosec G304 -- path comes from the operator's ecosystem file
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f, s.info = f, info
	return nil
}

func (s *fileSink) stale() bool {
	if s.f == nil {
		return true
	}
	cur, err := os.Stat(s.path)
	if err != nil {
		return true
	}
	return !os.SameFile(cur, s.info)
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale() {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
			return 0, err
		}
		if err := s.reopen(); err != nil {
			return 0, err
		}
	}
	return s.f.Write(p)
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
