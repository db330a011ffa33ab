package kiln

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

var sampleTree = map[string]string{
	"configure":    "#!/bin/sh\n",
	"gcc/system.h": systemH,
}

func assertSampleTree(t *testing.T, dest string) {
	t.Helper()
	for name, want := range sampleTree {
		data, err := os.ReadFile(filepath.Join(dest, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(data), name)
	}
}

// writeTar packs entries into path through wrap.
func writeTar(t *testing.T, path string, wrap func(io.Writer) io.WriteCloser, hdrs []*tar.Header, bodies []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	cw := wrap(f)
	tw := tar.NewWriter(cw)
	for i, h := range hdrs {
		require.NoError(t, tw.WriteHeader(h))
		if bodies[i] != "" {
			_, err := tw.Write([]byte(bodies[i]))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, cw.Close())
}

func sampleHeaders(top string) ([]*tar.Header, []string) {
	hdrs := []*tar.Header{
		{Name: top + "/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: top + "/configure", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(sampleTree["configure"]))},
		{Name: top + "/gcc/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: top + "/gcc/system.h", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(systemH))},
		{Name: top + "/gcc/link.h", Typeflag: tar.TypeSymlink, Linkname: "system.h"},
	}
	return hdrs, []string{"", sampleTree["configure"], "", systemH, ""}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := writeTarGz(t, dir, "gcc-4.6.1.tar.gz", "gcc-4.6.1", sampleTree)

	dest := filepath.Join(dir, "src")
	require.NoError(t, ExtractArchive(archive, dest))
	assertSampleTree(t, dest)

	_, err := os.Stat(filepath.Join(dest, "gcc-4.6.1"))
	assert.True(t, os.IsNotExist(err), "top-level directory is stripped")
}

func TestExtractTarFormats(t *testing.T) {
	tests := []struct {
		name string
		wrap func(io.Writer) io.WriteCloser
	}{
		{"gcc-4.6.1.tar", func(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }},
		{"gcc-4.6.1.tar.xz", func(w io.Writer) io.WriteCloser {
			xw, err := xz.NewWriter(w)
			require.NoError(t, err)
			return xw
		}},
		{"gcc-4.6.1.tar.zst", func(w io.Writer) io.WriteCloser {
			zw, err := zstd.NewWriter(w)
			require.NoError(t, err)
			return zw
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, tt.name)
			hdrs, bodies := sampleHeaders("gcc-4.6.1")
			writeTar(t, archive, tt.wrap, hdrs, bodies)

			dest := filepath.Join(dir, "src")
			require.NoError(t, ExtractArchive(archive, dest))
			assertSampleTree(t, dest)

			target, err := os.Readlink(filepath.Join(dest, "gcc/link.h"))
			require.NoError(t, err)
			assert.Equal(t, "system.h", target)

			info, err := os.Stat(filepath.Join(dest, "configure"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
		})
	}
}

func TestExtractTarWithoutCommonPrefix(t *testing.T) {
	dir := t.TempDir()
	archive := writeTarGz(t, dir, "flat.tar.gz", "", sampleTree)

	dest := filepath.Join(dir, "src")
	require.NoError(t, ExtractArchive(archive, dest))
	assertSampleTree(t, dest)
}

func TestExtractTarRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar")
	writeTar(t, archive, func(w io.Writer) io.WriteCloser { return nopWriteCloser{w} },
		[]*tar.Header{
			{Name: "pkg/ok", Typeflag: tar.TypeReg, Mode: 0o644, Size: 2},
			{Name: "../escaped", Typeflag: tar.TypeReg, Mode: 0o644, Size: 2},
		},
		[]string{"ok", "no"})

	dest := filepath.Join(dir, "src")
	err := ExtractArchive(archive, dest)
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, "escaped"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractTarRejectsWriteThroughSymlink(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.Mkdir(outside, 0o755))

	archive := filepath.Join(dir, "evil.tar")
	writeTar(t, archive, func(w io.Writer) io.WriteCloser { return nopWriteCloser{w} },
		[]*tar.Header{
			{Name: "pkg/", Typeflag: tar.TypeDir, Mode: 0o755},
			{Name: "pkg/lnk", Typeflag: tar.TypeSymlink, Linkname: outside},
			{Name: "pkg/lnk/pwned", Typeflag: tar.TypeReg, Mode: 0o644, Size: 2},
		},
		[]string{"", "", "no"})

	err := ExtractArchive(archive, filepath.Join(dir, "src"))
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(outside, "pwned"))
	assert.True(t, os.IsNotExist(err), "nothing is written outside dest")
}

func TestExtractTarKeepsInternalSymlinks(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "pkg.tar")
	writeTar(t, archive, func(w io.Writer) io.WriteCloser { return nopWriteCloser{w} },
		[]*tar.Header{
			{Name: "pkg/", Typeflag: tar.TypeDir, Mode: 0o755},
			{Name: "pkg/include/", Typeflag: tar.TypeDir, Mode: 0o755},
			{Name: "pkg/inc", Typeflag: tar.TypeSymlink, Linkname: "include"},
			{Name: "pkg/inc/zlib.h", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3},
		},
		[]string{"", "", "", "z;\n"})

	dest := filepath.Join(dir, "src")
	require.NoError(t, ExtractArchive(archive, dest))
	data, err := os.ReadFile(filepath.Join(dest, "include", "zlib.h"))
	require.NoError(t, err)
	assert.Equal(t, "z;\n", string(data))
}

func TestExtractZipRejectsWriteThroughSymlink(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.Mkdir(outside, 0o755))

	dest := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dest, "lnk")))

	archive := filepath.Join(dir, "evil.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range []string{"README", "lnk/pwned"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("no"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	require.Error(t, ExtractArchive(archive, dest))
	_, err = os.Stat(filepath.Join(outside, "pwned"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "gcc-4.6.1.zip")

	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range []string{"configure", "gcc/system.h"} {
		w, err := zw.Create("gcc-4.6.1/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(sampleTree[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(dir, "src")
	require.NoError(t, ExtractArchive(archive, dest))
	assertSampleTree(t, dest)
}

func TestExtractUnsupported(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "gcc-4.6.1.rar")
	require.NoError(t, os.WriteFile(archive, []byte("Rar!"), 0o644))

	assert.ErrorIs(t, ExtractArchive(archive, filepath.Join(dir, "src")), ErrUnsupportedArchive)
}
