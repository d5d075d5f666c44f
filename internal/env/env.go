package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child environments from the supervisor's own environment and
// per-app overrides. The supervisor's environment is never modified.
type Env struct {
	base Var // cached snapshot of the OS environment
}

func New() *Env {
	return &Env{}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
	return e
}

// WithBase replaces the base environment. Used by tests to avoid depending
// on the host environment.
func (e *Env) WithBase(base Var) *Env {
	e.base = make(Var, len(base))
	for k, v := range base {
		e.base[k] = v
	}
	return e
}

// Merge composes the final environment list:
// base (OS env), then each override map in order, later maps winning.
// Values of overrides get ${VAR} expansion: a reference to another key of the
// same map resolves to that key's expanded value, anything else (including a
// key referencing itself, so PATH=${PATH}:/opt/bin works) resolves against
// what was composed before the map. Reference cycles fall back to the earlier
// composition, walking keys in sorted order. The result is sorted by key.
func (e *Env) Merge(overrides ...map[string]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+8)
	for k, v := range e.base {
		m[k] = v
	}
	for _, o := range overrides {
		for k, v := range resolve(o, m) {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// resolve expands the values of o. prev is only read.
func resolve(o map[string]string, prev Var) Var {
	keys := make([]string, 0, len(o))
	for k := range o {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	done := make(Var, len(keys))
	visiting := make(map[string]bool)
	var value func(k string) string
	value = func(k string) string {
		if v, ok := done[k]; ok {
			return v
		}
		visiting[k] = true
		v := expandFunc(o[k], func(name string) string {
			if _, own := o[name]; own && name != k && !visiting[name] {
				return value(name)
			}
			return prev[name]
		})
		delete(visiting, k)
		done[k] = v
		return v
	}
	for _, k := range keys {
		value(k)
	}
	return done
}

// expand replaces ${VAR} references with values from m. Unknown variables
// expand to the empty string; a bare $ is kept as is.
func expand(s string, m Var) string {
	return expandFunc(s, func(name string) string { return m[name] })
}

func expandFunc(s string, lookup func(string) string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		b.WriteString(lookup(s[i+2 : i+2+j]))
		s = s[i+3+j:]
	}
	return b.String()
}
