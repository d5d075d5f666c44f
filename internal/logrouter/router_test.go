package logrouter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := strings.TrimSuffix(string(b), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func fixedNow() time.Time {
	return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestRouterSeparateFilesWithTimestamps(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app-out.log")
	errp := filepath.Join(dir, "app-error.log")
	r, err := New(Config{Name: "app", OutFile: out, ErrorFile: errp, Time: true,
		DateFormat: "YYYY-MM-DD HH:mm:ss Z", Now: fixedNow})
	require.NoError(t, err)

	_, _ = fmt.Fprint(r.Stdout(), "hello\nwor")
	_, _ = fmt.Fprint(r.Stdout(), "ld\npartial")
	_, _ = fmt.Fprint(r.Stderr(), "boom\r\n")
	require.NoError(t, r.Close())

	assert.Equal(t, []string{
		"2024-01-02 03:04:05 +00:00: hello",
		"2024-01-02 03:04:05 +00:00: world",
		"2024-01-02 03:04:05 +00:00: partial",
	}, readLines(t, out))
	assert.Equal(t, []string{"2024-01-02 03:04:05 +00:00: boom"}, readLines(t, errp))
}

func TestRouterMergePreservesArrivalOrder(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "merged.log")
	r, err := New(Config{Name: "m", OutFile: out, ErrorFile: filepath.Join(dir, "unused.log"), Merge: true})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 200; i++ {
		line := fmt.Sprintf("line-%d", i)
		w := r.Stdout()
		if i%3 == 0 {
			w = r.Stderr()
		}
		_, _ = fmt.Fprintln(w, line)
		want = append(want, line)
	}
	require.NoError(t, r.Close())
	assert.Equal(t, want, readLines(t, out))
	_, err = os.Stat(filepath.Join(dir, "unused.log"))
	assert.True(t, os.IsNotExist(err), "merged router must not open the error file")
}

func TestRouterReopensAfterExternalRotation(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "rot.log")
	r, err := New(Config{Name: "rot", OutFile: out, Merge: true, Policy: Block})
	require.NoError(t, err)

	_, _ = fmt.Fprintln(r.Stdout(), "before")
	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(out)
		return strings.Contains(string(b), "before")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Rename(out, out+".1"))
	_, _ = fmt.Fprintln(r.Stdout(), "after")
	require.NoError(t, r.Close())

	assert.Equal(t, []string{"before"}, readLines(t, out+".1"))
	assert.Equal(t, []string{"after"}, readLines(t, out))
}

func TestRouterDevNullDiscards(t *testing.T) {
	r, err := New(Config{Name: "null", OutFile: os.DevNull, ErrorFile: os.DevNull})
	require.NoError(t, err)
	_, err = fmt.Fprintln(r.Stdout(), "nothing")
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestRouterConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "c.log")
	r, err := New(Config{Name: "c", OutFile: out, Merge: true, Policy: Block, QueueSize: 8})
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = fmt.Fprintln(r.Stdout(), "x")
			}
		}()
	}
	wg.Wait()
	require.NoError(t, r.Close())
	assert.Len(t, readLines(t, out), 400)
	assert.EqualValues(t, 0, r.Dropped())
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "l%d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	lines, err := Tail(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"l8", "l9", "l10"}, lines)

	lines, err = Tail(path, 50)
	require.NoError(t, err)
	assert.Len(t, lines, 10)

	_, err = Tail(filepath.Join(t.TempDir(), "missing.log"), 3)
	assert.Error(t, err)
}

func TestFollowSeesAppendsAndRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, path, func(line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		})
	}()
	time.Sleep(100 * time.Millisecond)

	appendLine := func(s string) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		require.NoError(t, err)
		_, _ = f.WriteString(s + "\n")
		_ = f.Close()
	}
	appendLine("new-1")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Rename(path, path+".1"))
	time.Sleep(50 * time.Millisecond)
	appendLine("new-2")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	mu.Lock()
	assert.Equal(t, []string{"new-1", "new-2"}, got)
	mu.Unlock()
}
