package env

import (
	"os"
	"strings"
)

// Set is an ordered collection of KEY=VALUE pairs. Setting an existing key
// replaces its value and keeps its position.
type Set struct {
	keys []string
	vals map[string]string
}

func New() *Set {
	return &Set{vals: make(map[string]string)}
}

// Set sets K=V. Empty keys are ignored.
func (s *Set) Set(k, v string) {
	if k == "" {
		return
	}
	if _, ok := s.vals[k]; !ok {
		s.keys = append(s.keys, k)
	}
	s.vals[k] = v
}

// Apply sets every "K=V" entry in order. Malformed entries are skipped.
func (s *Set) Apply(kvs []string) *Set {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			s.Set(k, v)
		}
	}
	return s
}

func (s *Set) Len() int { return len(s.keys) }

// Merge composes the final list for a process: the set's pairs followed by
// perProc overrides, with ${VAR} expanded against the composed pairs and
// then the OS environment. Unknown references are left untouched.
func (s *Set) Merge(perProc []string) []string {
	m := New()
	for _, k := range s.keys {
		m.Set(k, s.vals[k])
	}
	m.Apply(perProc)

	out := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k+"="+expand(m.vals[k], m.vals))
	}
	return out
}

// expand replaces ${VAR} once; no recursion.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else if v, ok := os.LookupEnv(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}
