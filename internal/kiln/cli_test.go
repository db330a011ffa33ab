package kiln

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureConsole(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetConsole(&buf)
	t.Cleanup(func() { SetConsole(io.Discard) })
	return &buf
}

func TestCheckCmd(t *testing.T) {
	out := captureConsole(t)
	cfg := testConfig(t)

	cmd := &CheckCmd{
		Recipe: filepath.Join("..", "..", "recipes", "gcc46.yaml"),
		Dep:    []string{"gmp=/opt/deps/gmp", "mpfr=/opt/deps/mpfr"},
	}
	require.NoError(t, cmd.Run(context.Background(), cfg))

	got := out.String()
	assert.Contains(t, got, "gcc46 4.6.1")
	assert.Contains(t, got, "dependency libmpc is not installed")
	assert.Contains(t, got, "  arg:      --with-gmp=/opt/deps/gmp\n")
	assert.Contains(t, got, "  arg:      --with-mpc=<libmpc>\n")
	assert.Contains(t, got, "  arg:      --program-suffix=-4.6\n")
	assert.Contains(t, got, "  step 3:   [build] make \n")
}

func TestCheckCmdSilenced(t *testing.T) {
	SetConsole(nil)
	cmd := &CheckCmd{Recipe: filepath.Join("..", "..", "recipes", "gcc46.yaml")}
	assert.NoError(t, cmd.Run(context.Background(), testConfig(t)))
}

func TestVersionCmd(t *testing.T) {
	out := captureConsole(t)
	require.NoError(t, (&VersionCmd{}).Run())
	assert.Contains(t, out.String(), "kiln "+version)
}
