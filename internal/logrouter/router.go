package logrouter

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
)

// maxLineBytes caps a single buffered line; longer lines are split.
const maxLineBytes = 64 << 10

// errorLogInterval rate-limits sink error logging per router.
const errorLogInterval = 10 * time.Second

// Config describes the log routing of one instance.
type Config struct {
	Name       string
	OutFile    string
	ErrorFile  string
	Merge      bool
	Time       bool
	DateFormat string
	Rotate     process.LogRotate
	QueueSize  int
	Policy     Policy
	Logger     *slog.Logger
	// Now is the clock used for timestamps; nil uses time.Now.
	Now func() time.Time
}

// Router owns the sinks of one instance. The writers returned by Stdout and
// Stderr are handed to the child process; complete lines are stamped on
// arrival and appended to the sinks by a writer goroutine per queue.
type Router struct {
	cfg     Config
	stamp   Stamper
	now     func() time.Time
	log     *slog.Logger
	out     *lineWriter
	err     *lineWriter
	lanes   []*lane
	wg      sync.WaitGroup
	once    sync.Once
	errs    atomic.Uint64
	lastErr atomic.Int64
}

type lane struct {
	q    *queue
	sink Sink
}

// New opens the sinks described by cfg and starts the writer goroutines.
func New(cfg Config) (*Router, error) {
	if cfg.DateFormat == "" {
		cfg.DateFormat = process.DefaultLogDateFormat
	}
	if cfg.Policy == "" {
		cfg.Policy = DropOldest
	}
	r := &Router{cfg: cfg, now: cfg.Now, log: cfg.Logger}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if cfg.Time {
		stamp, err := NewStamper(cfg.DateFormat)
		if err != nil {
			return nil, err
		}
		r.stamp = stamp
	}

	outSink, err := NewSink(cfg.OutFile, cfg.Rotate)
	if err != nil {
		return nil, err
	}
	outLane := &lane{q: newQueue(cfg.QueueSize, cfg.Policy), sink: outSink}
	r.lanes = append(r.lanes, outLane)
	errLane := outLane
	if !cfg.Merge {
		errSink, err := NewSink(cfg.ErrorFile, cfg.Rotate)
		if err != nil {
			_ = outSink.Close()
			return nil, err
		}
		errLane = &lane{q: newQueue(cfg.QueueSize, cfg.Policy), sink: errSink}
		r.lanes = append(r.lanes, errLane)
	}
	r.out = &lineWriter{r: r, lane: outLane}
	r.err = &lineWriter{r: r, lane: errLane}

	for _, l := range r.lanes {
		r.wg.Add(1)
		go r.pump(l)
	}
	return r, nil
}

// Stdout is the writer for the child's standard output.
func (r *Router) Stdout() io.Writer { return r.out }

// Stderr is the writer for the child's standard error.
func (r *Router) Stderr() io.Writer { return r.err }

// Dropped returns the number of lines discarded by the drop-oldest policy.
func (r *Router) Dropped() uint64 {
	var n uint64
	for _, l := range r.lanes {
		n += l.q.droppedCount()
	}
	return n
}

// WriteErrors returns the number of failed sink writes.
func (r *Router) WriteErrors() uint64 { return r.errs.Load() }

// Close flushes partial lines, drains the queues and closes the sinks.
// The child must have exited (its stdio copied) before Close is called.
func (r *Router) Close() error {
	var errs []error
	r.once.Do(func() {
		r.out.flush()
		r.err.flush()
		for _, l := range r.lanes {
			l.q.close()
		}
		r.wg.Wait()
		for _, l := range r.lanes {
			if err := l.sink.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (r *Router) pump(l *lane) {
	defer r.wg.Done()
	var batch [][]byte
	var buf bytes.Buffer
	for {
		var ok bool
		batch, ok = l.q.drain(batch[:0])
		if !ok {
			return
		}
		buf.Reset()
		for _, line := range batch {
			buf.Write(line)
		}
		if _, err := l.sink.Write(buf.Bytes()); err != nil {
			r.writeFailed(err)
		}
	}
}

func (r *Router) writeFailed(err error) {
	r.errs.Add(1)
	metrics.IncLogWriteError(r.cfg.Name)
	now := r.now().UnixNano()
	last := r.lastErr.Load()
	if now-last < int64(errorLogInterval) {
		return
	}
	if r.lastErr.CompareAndSwap(last, now) {
		r.log.Warn("log write failed", "name", r.cfg.Name, "error", err, "failures", r.errs.Load())
	}
}

// encode renders one complete line (without its newline) for the sink.
func (r *Router) encode(line []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(line) + 32)
	if r.stamp != nil {
		b.WriteString(r.stamp(r.now()))
		b.WriteString(": ")
	}
	b.Write(line)
	b.WriteByte('\n')
	return b.Bytes()
}

// lineWriter splits a byte stream into lines. exec copies each stream from
// a single goroutine, but the mutex keeps direct callers safe too.
type lineWriter struct {
	mu      sync.Mutex
	r       *Router
	lane    *lane
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.partial = append(w.partial, p...)
			if len(w.partial) >= maxLineBytes {
				w.emit(w.partial)
				w.partial = w.partial[:0]
			}
			break
		}
		if len(w.partial) > 0 {
			w.partial = append(w.partial, p[:i]...)
			w.emit(w.partial)
			w.partial = w.partial[:0]
		} else {
			w.emit(p[:i])
		}
		p = p[i+1:]
	}
	return n, nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if dropped := w.lane.q.push(w.r.encode(line)); dropped > 0 {
		metrics.AddLogDropped(w.r.cfg.Name, dropped)
	}
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}
