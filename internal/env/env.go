// Package env composes the environment handed to scheduled commands.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Parse turns "K=V" entries into a map. Entries without '=' or with an empty
// key are skipped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Compose starts from base (the service environment when nil), applies
// overrides and returns the sorted "K=V" list. Override values may reference
// ${VAR} from base; references to unknown variables expand to "".
func Compose(base []string, overrides Var) []string {
	if base == nil {
		base = os.Environ()
	}
	m := Parse(base)
	lookup := func(k string) string { return m[k] }
	expanded := make(Var, len(overrides))
	for k, v := range overrides {
		if k == "" {
			continue
		}
		expanded[k] = os.Expand(v, lookup)
	}
	for k, v := range expanded {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
