// Package opensearch indexes lifecycle events as flat documents so they can
// be queried and charted per instance.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/loykin/appvisor/internal/history"
)

// Sink writes one document per event. The index name may carry strftime
// directives (appvisor-%Y.%m.%d) which are expanded with the event time.
type Sink struct {
	client *http.Client
	base   string
	index  string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		base:   strings.TrimRight(baseURL, "/"),
		index:  index,
	}
}

type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Event     string    `json:"event"`
	Instance  string    `json:"instance"`
	App       string    `json:"app"`
	RunID     string    `json:"run_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	State     string    `json:"state"`
	ExitCode  int       `json:"exit_code"`
	Signal    string    `json:"signal,omitempty"`
	Restarts  int       `json:"restarts"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func toDocument(e history.Event) document {
	r := e.Record
	return document{
		Timestamp: e.OccurredAt.UTC(),
		Event:     string(e.Type),
		Instance:  r.Name,
		App:       r.App,
		RunID:     r.RunID,
		PID:       r.PID,
		State:     r.State,
		ExitCode:  r.ExitCode,
		Signal:    r.Signal,
		Restarts:  r.Restarts,
		Reason:    r.Reason,
		Error:     r.Error,
	}
}

// docID makes a retried send overwrite rather than duplicate.
func docID(e history.Event) string {
	return fmt.Sprintf("%s-%s-%d", e.Record.Key(), e.Type, e.OccurredAt.UnixNano())
}

func (s *Sink) indexFor(at time.Time) string {
	if strings.ContainsRune(s.index, '%') {
		return strftime.Format(s.index, at.UTC())
	}
	return s.index
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	index := s.indexFor(e.OccurredAt)
	body, err := json.Marshal(toDocument(e))
	if err != nil {
		return fmt.Errorf("opensearch: encode %s event for %s: %w", e.Type, e.Record.Name, err)
	}
	u := s.base + "/" + url.PathEscape(index) + "/_doc/" + url.PathEscape(docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: index %s: %w", index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s: %s: %s", index, resp.Status, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
