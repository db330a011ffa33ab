package kiln

import (
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
)

// Environment is the mutable variable store an overlay applies to. The
// process environment is the default; tests substitute their own.
type Environment interface {
	LookupEnv(key string) (string, bool)
	Setenv(key, value string) error
	Unsetenv(key string) error
	Environ() []string
}

type processEnv struct{}

func (processEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (processEnv) Setenv(key, value string) error      { return os.Setenv(key, value) }
func (processEnv) Unsetenv(key string) error           { return os.Unsetenv(key) }
func (processEnv) Environ() []string                   { return os.Environ() }

// ProcessEnv is the real process environment.
var ProcessEnv Environment = processEnv{}

type previousValue struct {
	value string
	set   bool
}

// appliedOverlay is an EnvironmentOverlay applied to an Environment. Revert
// restores every touched variable and runs at most once.
type appliedOverlay struct {
	env      Environment
	previous map[string]previousValue
	once     sync.Once
	err      error
}

// applyOverlay mutates env according to o and records prior values. If a
// mutation fails midway the variables already touched are restored.
func applyOverlay(env Environment, o EnvironmentOverlay) (*appliedOverlay, error) {
	a := &appliedOverlay{env: env, previous: make(map[string]previousValue)}

	remember := func(key string) {
		if _, seen := a.previous[key]; seen {
			return
		}
		v, ok := env.LookupEnv(key)
		a.previous[key] = previousValue{value: v, set: ok}
	}

	for _, key := range o.Unset {
		remember(key)
		if err := env.Unsetenv(key); err != nil {
			a.Revert()
			return nil, err
		}
		debugf("Unset %s\n", key)
	}
	for _, key := range slices.Sorted(maps.Keys(o.Set)) {
		remember(key)
		if err := env.Setenv(key, o.Set[key]); err != nil {
			a.Revert()
			return nil, err
		}
		debugf("Set %s=%s\n", key, o.Set[key])
	}
	return a, nil
}

// Revert restores the environment. Calls after the first are no-ops.
func (a *appliedOverlay) Revert() error {
	a.once.Do(func() {
		for key, prev := range a.previous {
			var err error
			if prev.set {
				err = a.env.Setenv(key, prev.value)
			} else {
				err = a.env.Unsetenv(key)
			}
			if err != nil && a.err == nil {
				a.err = err
			}
		}
	})
	return a.err
}

// overlayEnviron returns base with o applied, without touching any process
// state. It is used for the per-step child environment.
func overlayEnviron(base []string, o EnvironmentOverlay) []string {
	if o.Empty() {
		return base
	}
	drop := make(map[string]bool, len(o.Unset)+len(o.Set))
	for _, k := range o.Unset {
		drop[k] = true
	}
	for k := range o.Set {
		drop[k] = true
	}

	env := make([]string, 0, len(base)+len(o.Set))
	for _, e := range base {
		key, _, _ := strings.Cut(e, "=")
		if drop[key] {
			continue
		}
		env = append(env, e)
	}
	for _, k := range slices.Sorted(maps.Keys(o.Set)) {
		env = append(env, k+"="+o.Set[k])
	}
	return env
}
