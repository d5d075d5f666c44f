package factory

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/history/clickhouse"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch without host", "opensearch:///idx", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "h.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(t.TempDir(), "bare.db"), false},
		{"OpenSearch DSN", "opensearch://localhost:9200/process-logs", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			if closer, ok := sink.(io.Closer); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want clickhouse.Options
	}{
		{"clickhouse://localhost:9000?table=events", clickhouse.Options{Addr: "localhost:9000", Table: "events"}},
		{"clickhouse://u:p@ch:9440?database=ops", clickhouse.Options{Addr: "ch:9440", Database: "ops", Username: "u", Password: "p"}},
		{"clickhouse://", clickhouse.Options{Addr: "localhost:9000"}},
	}
	for _, tt := range tests {
		got, err := parseClickHouseDSN(tt.dsn)
		if err != nil {
			t.Fatalf("%s: %v", tt.dsn, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %+v want %+v", tt.dsn, got, tt.want)
		}
	}
}

func TestParseOpenSearchDSN(t *testing.T) {
	tests := []struct {
		dsn, base, index string
	}{
		{"opensearch://localhost:9200/process-logs", "http://localhost:9200", "process-logs"},
		{"opensearch://localhost:9200", "http://localhost:9200", "process-history"},
		{"opensearchs://search.example.com/logs/", "https://search.example.com", "logs"},
		{"elasticsearch://es:9200/events", "http://es:9200", "events"},
	}
	for _, tt := range tests {
		base, index, err := parseOpenSearchDSN(tt.dsn)
		if err != nil {
			t.Fatalf("%s: %v", tt.dsn, err)
		}
		if base != tt.base || index != tt.index {
			t.Fatalf("%s: got %s %s", tt.dsn, base, index)
		}
	}
}

func TestOpenSearchSinkFromDSN(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink, err := NewSinkFromDSN("opensearch://" + strings.TrimPrefix(srv.URL, "http://") + "/appvisor")
	if err != nil {
		t.Fatal(err)
	}
	e := history.Event{Type: history.EventStart, OccurredAt: time.Now(), Record: history.Record{Name: "a"}}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(path, "/appvisor/_doc/a-start-") {
		t.Fatalf("unexpected path %s", path)
	}
}
