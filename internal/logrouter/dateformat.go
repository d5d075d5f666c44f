package logrouter

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
	"github.com/nleeper/goment"
)

// Stamper renders the timestamp prefixed to a log line.
type Stamper func(time.Time) string

// NewStamper compiles a log date format. Formats containing '%' are treated
// as strftime patterns; anything else uses moment tokens
// (YYYY-MM-DD HH:mm:ss Z). Text inside [brackets] is emitted literally.
func NewStamper(format string) (Stamper, error) {
	if format == "" {
		return nil, fmt.Errorf("empty log date format")
	}
	if strings.ContainsRune(format, '%') {
		return func(t time.Time) string { return strftime.Format(format, t) }, nil
	}
	if err := checkBrackets(format); err != nil {
		return nil, err
	}
	return func(t time.Time) string {
		g, err := goment.New(t)
		if err != nil {
			return t.Format(time.RFC3339)
		}
		return g.Format(format)
	}, nil
}

func checkBrackets(format string) error {
	open := false
	for _, r := range format {
		switch {
		case r == '[' && !open:
			open = true
		case r == ']' && open:
			open = false
		}
	}
	if open {
		return fmt.Errorf("unterminated [ in log date format %q", format)
	}
	return nil
}
