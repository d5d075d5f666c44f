package logrouter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const tailChunk = 32 << 10

// Tail returns the last n lines of path, oldest first.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	// #nosec G304 -- log paths come from the loaded config
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	var data []byte
	for off := size; off > 0; {
		step := int64(tailChunk)
		if off < step {
			step = off
		}
		off -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		data = append(chunk, data...)
		// n lines need n+1 separators unless we reached the file start.
		if bytes.Count(data, []byte{'\n'}) > n {
			break
		}
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Follow calls fn for every line appended to path after the call until ctx
// is done. It survives rotation: when the file is renamed, removed or
// recreated it reopens path and continues from its beginning.
func Follow(ctx context.Context, path string, fn func(line string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Watch the directory so recreation of the file is observed.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	t := &follower{path: path, fn: fn}
	if err := t.open(true); err != nil && !os.IsNotExist(err) {
		return err
	}
	defer t.close()

	// Poll as a fallback for filesystems that do not deliver events.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				t.close()
				_ = t.open(false)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				t.read()
				t.close()
			case ev.Has(fsnotify.Write):
				t.read()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		case <-poll.C:
			if t.f == nil {
				_ = t.open(false)
			}
			t.read()
		}
	}
}

type follower struct {
	path    string
	fn      func(string)
	f       *os.File
	r       *bufio.Reader
	partial string
}

func (t *follower) open(atEnd bool) error {
	// #nosec G304 -- log paths come from the loaded config
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	if atEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return err
		}
	}
	t.f = f
	t.r = bufio.NewReader(f)
	t.partial = ""
	return nil
}

func (t *follower) read() {
	if t.f == nil {
		return
	}
	// Truncated in place: restart from the top.
	if info, err := t.f.Stat(); err == nil {
		if pos, err := t.f.Seek(0, io.SeekCurrent); err == nil && info.Size() < pos-int64(t.r.Buffered()) {
			_, _ = t.f.Seek(0, io.SeekStart)
			t.r.Reset(t.f)
			t.partial = ""
		}
	}
	for {
		s, err := t.r.ReadString('\n')
		if err != nil {
			t.partial += s
			return
		}
		t.fn(strings.TrimSuffix(t.partial+s, "\n"))
		t.partial = ""
	}
}

func (t *follower) close() {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
	}
}
