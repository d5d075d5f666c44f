package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"github.com/loykin/appvisor/internal/process"
)

// parseArgs normalises a string-or-list argument value into tokens.
func parseArgs(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return process.SplitArgs(t)
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for i, e := range t {
			switch s := e.(type) {
			case string:
				out = append(out, s)
			case bool, int, int64, uint64, float64:
				out = append(out, fmt.Sprint(s))
			default:
				return nil, fmt.Errorf("element %d: want string, got %T", i, e)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("want string or list, got %T", v)
}

// parseSize accepts integer bytes or a size string such as "2G" or
// "512MB". Units are binary (1K = 1024).
func parseSize(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		n, err := units.RAMInBytes(s)
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, errors.New("must not be negative")
		}
		return n, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

// parseDuration accepts a Go duration string ("1.5s") or a number of
// milliseconds.
func parseDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			d = time.Duration(ms) * time.Millisecond
			break
		}
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	default:
		ms, err := toInt64(v)
		if err != nil {
			return 0, err
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, errors.New("value out of range")
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("want integer, got %v", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("want number or string, got %T", v)
}

// parseWatch treats true or a non-empty list of paths as enabled.
func parseWatch(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case []any:
		return len(t) > 0
	}
	return false
}

// stringMap converts scalar env values to strings without touching keys.
func stringMap(m map[string]any) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		case bool, int, int64, uint64, float64:
			out[k] = fmt.Sprint(t)
		default:
			return nil, fmt.Errorf("%s: want scalar, got %T", k, v)
		}
	}
	return out, nil
}
