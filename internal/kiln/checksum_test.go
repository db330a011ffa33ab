package kiln

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helloMD5    = "b1946ac92492d2347c6235b4d2611184"
	helloSHA1   = "f572d396fae9206628714fb2ce00f72e94f2258f"
	helloSHA256 = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
)

func writeHello(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))
	return path
}

func TestParseChecksum(t *testing.T) {
	tests := []struct {
		in   string
		algo string
	}{
		{helloMD5, "md5"},
		{"md5:" + strings.ToUpper(helloMD5), "md5"},
		{helloSHA1, "sha1"},
		{helloSHA256, "sha256"},
		{"sha256:" + helloSHA256, "sha256"},
		{strings.Repeat("a", 96), "sha384"},
		{strings.Repeat("b", 128), "sha512"},
		{"blake3:" + strings.Repeat("c", 64), "blake3"},
	}
	for _, tt := range tests {
		c, err := ParseChecksum(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.algo, c.Algorithm, tt.in)
		assert.Equal(t, strings.ToLower(tt.in[strings.Index(tt.in, ":")+1:]), c.Hex)
	}
}

func TestParseChecksumInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"abc",
		"md5:" + helloSHA1,
		"sha256:" + helloMD5,
		"crc32:deadbeef",
		"sha256:" + strings.Repeat("z", 64),
	} {
		_, err := ParseChecksum(in)
		assert.Error(t, err, "%q should not parse", in)
	}
}

func TestVerifyFile(t *testing.T) {
	path := writeHello(t)

	for _, sum := range []string{helloMD5, helloSHA1, helloSHA256} {
		c, err := ParseChecksum(sum)
		require.NoError(t, err)
		assert.NoError(t, c.VerifyFile(path), c.Algorithm)
	}

	b3, err := ComputeChecksum(path, "blake3")
	require.NoError(t, err)
	c, err := ParseChecksum(b3.String())
	require.NoError(t, err)
	assert.NoError(t, c.VerifyFile(path))
}

func TestVerifyFileMismatch(t *testing.T) {
	path := writeHello(t)

	c, err := ParseChecksum("sha256:" + strings.Repeat("0", 64))
	require.NoError(t, err)
	err = c.VerifyFile(path)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), helloSHA256)

	c, err = ParseChecksum(strings.Repeat("0", 32))
	require.NoError(t, err)
	assert.ErrorIs(t, c.VerifyFile(path), ErrChecksumMismatch)
}

func TestComputeChecksum(t *testing.T) {
	path := writeHello(t)

	c, err := ComputeChecksum(path, "sha256")
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, c.Hex)

	c, err = ComputeChecksum(path, "md5")
	require.NoError(t, err)
	assert.Equal(t, helloMD5, c.Hex)

	_, err = ComputeChecksum(path, "crc32")
	assert.Error(t, err)
}
