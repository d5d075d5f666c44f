package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig is matched by every load-time validation failure.
	ErrConfig = errors.New("config error")
	// ErrDuplicateName reports two apps sharing a name in one file.
	ErrDuplicateName = errors.New("duplicate app name")
)

// Error locates a load failure in the ecosystem file.
type Error struct {
	Path  string // config file
	Index int    // app index in file order, -1 for file level errors
	App   string // app name when known
	Field string // offending key
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Path)
	if e.Index >= 0 {
		fmt.Fprintf(&b, ": apps[%d]", e.Index)
		if e.App != "" {
			fmt.Fprintf(&b, " (%s)", e.App)
		}
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrConfig }
