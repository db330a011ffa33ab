package kiln

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// ExtractArchive unpacks archive into dest. When every entry lives under one
// top-level directory that directory is stripped, so dest becomes the source
// root.
func ExtractArchive(archive, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if strings.HasSuffix(archive, ".zip") {
		return unzipGo(archive, dest)
	}

	prefix, err := tarStripPrefix(archive)
	if err != nil {
		return err
	}
	if prefix != "" {
		debugf("Detected tar prefix for stripping: %s\n", prefix)
	}
	return extractTar(archive, dest, prefix)
}

// openTar returns a tar reader for archive, choosing the decompressor from
// the file extension.
func openTar(archive string) (*tar.Reader, func(), error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive %s: %w", archive, err)
	}

	var r io.Reader = f
	closers := []func(){func() { f.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch {
	case strings.HasSuffix(archive, ".tar.gz") || strings.HasSuffix(archive, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", archive, err)
		}
		closers = append(closers, func() { gz.Close() })
		r = gz
	case strings.HasSuffix(archive, ".tar.bz2") || strings.HasSuffix(archive, ".tbz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(archive, ".tar.xz") || strings.HasSuffix(archive, ".txz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", archive, err)
		}
		r = xzr
	case strings.HasSuffix(archive, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", archive, err)
		}
		closers = append(closers, zst.Close)
		r = zst
	case strings.HasSuffix(archive, ".tar"):
		// No compression
	default:
		closeAll()
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Base(archive))
	}

	return tar.NewReader(r), closeAll, nil
}

// tarStripPrefix returns "top/" when all content entries share a single
// top-level directory, "" otherwise.
func tarStripPrefix(archive string) (string, error) {
	tr, closeFn, err := openTar(archive)
	if err != nil {
		return "", err
	}
	defer closeFn()

	var prefix string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" {
			continue
		}
		top, _, found := strings.Cut(name, "/")
		if !found && hdr.Typeflag != tar.TypeDir {
			// a file at the root
			return "", nil
		}
		if prefix == "" {
			prefix = top + "/"
		} else if prefix != top+"/" {
			return "", nil
		}
	}
	return prefix, nil
}

// extractTar extracts archive into dest, dropping prefix from entry names.
// Every write goes through an os.Root, so entries that would land outside
// dest, directly or through a symlink extracted earlier, are refused.
func extractTar(archive, dest, prefix string) error {
	tr, closeFn, err := openTar(archive)
	if err != nil {
		return err
	}
	defer closeFn()

	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dest, err)
	}
	defer root.Close()

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		name = strings.TrimPrefix(name, prefix)
		name = strings.TrimSuffix(name, "/")
		if name == "" || name == strings.TrimSuffix(prefix, "/") {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}

		if parent := filepath.Dir(name); parent != "." {
			if err := mkdirAllIn(root, parent, 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir for %s: %w", name, err)
			}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := mkdirAllIn(root, name, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", name, err)
			}
		case tar.TypeReg:
			outFile, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", name, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", name, err)
			}
			outFile.Close()
			if err := root.Chtimes(name, hdr.AccessTime, hdr.ModTime); err != nil {
				debugf("Warning: failed to set times for %s: %v\n", name, err)
			}
		case tar.TypeSymlink:
			_ = root.Remove(name)
			if err := root.Symlink(hdr.Linkname, name); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", name, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkName := strings.TrimPrefix(strings.TrimPrefix(hdr.Linkname, "./"), prefix)
			if !filepath.IsLocal(linkName) {
				return fmt.Errorf("illegal hard link in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			_ = root.Remove(name)
			if err := root.Link(linkName, name); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", name, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}

func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	// strip a single top-level directory, as for tarballs
	var prefix string
	for _, f := range r.File {
		top, _, found := strings.Cut(f.Name, "/")
		if !found && !f.FileInfo().IsDir() {
			prefix = ""
			break
		}
		if prefix == "" {
			prefix = top + "/"
		} else if prefix != top+"/" {
			prefix = ""
			break
		}
	}

	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	for _, f := range r.File {
		name := strings.TrimSuffix(strings.TrimPrefix(f.Name, prefix), "/")
		if name == "" {
			continue
		}
		// Zip Slip
		if !filepath.IsLocal(name) {
			return fmt.Errorf("illegal file path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := mkdirAllIn(root, name, 0o755); err != nil {
				return err
			}
			continue
		}

		if parent := filepath.Dir(name); parent != "." {
			if err := mkdirAllIn(root, parent, 0o755); err != nil {
				return err
			}
		}

		outFile, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close files inside the loop to avoid holding too many file descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

// mkdirAllIn creates name and its parents inside root. An existing directory,
// reached through symlinks that stay inside root, is accepted as is.
func mkdirAllIn(root *os.Root, name string, perm os.FileMode) error {
	info, err := root.Stat(name)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("%s exists and is not a directory", name)
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}
	return root.MkdirAll(name, perm)
}
