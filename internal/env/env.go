// Package env composes the environment handed to the spawn manager and the
// workers it execs.
package env

import (
	"os"
	"sort"
	"strings"
)

// Reserved is the prefix of variables the framework owns. They are dropped
// from the inherited environment and only set through Env.Set.
const Reserved = "PREFORK_"

type Var map[string]string

type Env struct {
	base  Var
	extra Var // user overrides, ${VAR} expanded
	own   Var // framework variables, never expanded or overridden
}

// New returns an Env based on the current process environment.
func New() *Env {
	return FromList(os.Environ())
}

// FromList returns an Env based on a "K=V" list.
func FromList(kvs []string) *Env {
	e := &Env{base: make(Var), extra: make(Var), own: make(Var)}
	for k, v := range parse(kvs) {
		if strings.HasPrefix(k, Reserved) {
			continue
		}
		e.base[k] = v
	}
	return e
}

// Override applies user supplied "K=V" entries on top of the base.
// Entries for reserved keys are ignored.
func (e *Env) Override(kvs []string) *Env {
	for k, v := range parse(kvs) {
		if strings.HasPrefix(k, Reserved) {
			continue
		}
		e.extra[k] = v
	}
	return e
}

// Set stores a framework variable.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.own[k] = v
	}
	return e
}

// Get returns the composed value of k.
func (e *Env) Get(k string) (string, bool) {
	v, ok := e.merged()[k]
	return v, ok
}

// List returns the composed environment as sorted "K=V" pairs.
func (e *Env) List() []string {
	m := e.merged()
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (e *Env) merged() Var {
	m := make(Var, len(e.base)+len(e.extra)+len(e.own))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.extra {
		m[k] = v
	}
	for k, v := range e.extra {
		m[k] = expand(v, m)
	}
	for k, v := range e.own {
		m[k] = v
	}
	return m
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// expand replaces ${VAR} references with values from m. It does not recurse.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
