package process

import (
	"fmt"

	"github.com/mattn/go-shellwords"
)

// SplitArgs splits a command line into words with shell quoting rules.
// Variables and backticks are kept literally; the child environment is
// composed elsewhere. Unquoted shell operators are rejected since args are
// never run through a shell.
func SplitArgs(s string) ([]string, error) {
	p := shellwords.NewParser()
	p.ParseEnv = false
	p.ParseBacktick = false
	args, err := p.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", s, err)
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("split %q: unquoted shell operator at offset %d", s, p.Position)
	}
	return args, nil
}
