package kiln

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverlayRevert(t *testing.T) {
	env := newMapEnv(nil, map[string]string{
		"LD":           "ld.gold",
		"GREP_OPTIONS": "--color",
		"CC":           "clang",
	})
	before := env.snapshot()

	o := EnvironmentOverlay{
		Unset: []string{"LD", "GREP_OPTIONS", "NOT_SET"},
		Set:   map[string]string{"CC": "gcc-4.2", "MAKEFLAGS": "-j1"},
	}
	a, err := applyOverlay(env, o)
	require.NoError(t, err)

	_, ok := env.LookupEnv("LD")
	assert.False(t, ok)
	_, ok = env.LookupEnv("GREP_OPTIONS")
	assert.False(t, ok)
	assert.Equal(t, "gcc-4.2", env.vars["CC"])
	assert.Equal(t, "-j1", env.vars["MAKEFLAGS"])

	require.NoError(t, a.Revert())
	assert.Equal(t, before, env.snapshot())
}

func TestOverlayRevertRunsOnce(t *testing.T) {
	env := newMapEnv(nil, map[string]string{"LD": "ld.bfd"})
	a, err := applyOverlay(env, EnvironmentOverlay{
		Unset: []string{"LD"},
		Set:   map[string]string{"CC": "cc"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, env.writes)

	require.NoError(t, a.Revert())
	assert.Equal(t, 4, env.writes)

	// later reverts must not clobber changes made after the first one
	env.vars["CC"] = "changed"
	require.NoError(t, a.Revert())
	assert.Equal(t, 4, env.writes)
	assert.Equal(t, "changed", env.vars["CC"])
}

type failingEnv struct {
	*mapEnv
	failOn string
}

func (e failingEnv) Setenv(key, value string) error {
	if key == e.failOn {
		return errors.New("setenv refused")
	}
	return e.mapEnv.Setenv(key, value)
}

func TestApplyOverlayRestoresOnFailure(t *testing.T) {
	env := failingEnv{mapEnv: newMapEnv(nil, map[string]string{"LD": "ld.bfd", "A": "1"}), failOn: "B"}
	before := env.snapshot()

	_, err := applyOverlay(env, EnvironmentOverlay{
		Unset: []string{"LD"},
		Set:   map[string]string{"A": "2", "B": "3"},
	})
	require.Error(t, err)
	assert.Equal(t, before, env.snapshot())
}

func TestProcessEnvOverlay(t *testing.T) {
	t.Setenv("KILN_TEST_LD", "ld.gold")
	t.Setenv("KILN_TEST_CC", "")
	os.Unsetenv("KILN_TEST_CC")

	a, err := applyOverlay(ProcessEnv, EnvironmentOverlay{
		Unset: []string{"KILN_TEST_LD"},
		Set:   map[string]string{"KILN_TEST_CC": "gcc"},
	})
	require.NoError(t, err)
	_, ok := os.LookupEnv("KILN_TEST_LD")
	assert.False(t, ok)
	assert.Equal(t, "gcc", os.Getenv("KILN_TEST_CC"))

	require.NoError(t, a.Revert())
	assert.Equal(t, "ld.gold", os.Getenv("KILN_TEST_LD"))
	_, ok = os.LookupEnv("KILN_TEST_CC")
	assert.False(t, ok)
}

func TestOverlayEnviron(t *testing.T) {
	base := []string{"PATH=/usr/bin", "LD=ld.gold", "CC=clang", "HOME=/root"}

	got := overlayEnviron(base, EnvironmentOverlay{
		Unset: []string{"LD"},
		Set:   map[string]string{"CC": "gcc", "CFLAGS": "-O2"},
	})
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root", "CC=gcc", "CFLAGS=-O2"}, got)
	assert.Equal(t, "LD=ld.gold", base[1], "base is not modified")

	assert.Equal(t, base, overlayEnviron(base, EnvironmentOverlay{}))
}
