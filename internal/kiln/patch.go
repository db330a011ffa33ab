package kiln

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ApplyPatch replaces the single occurrence of p.Match in srcDir/p.File with
// p.Replace. Zero occurrences fail with ErrPatchTargetNotFound, more than one
// with ErrPatchAmbiguous; in both cases the file is left untouched. The file
// is resolved inside srcDir, so symlinks leading out of the tree are refused.
func ApplyPatch(srcDir string, p PatchSpec) error {
	if !filepath.IsLocal(p.File) {
		return fmt.Errorf("%w: %s is outside the source tree", ErrPatchTargetNotFound, p.File)
	}

	root, err := os.OpenRoot(srcDir)
	if err != nil {
		return fmt.Errorf("failed to open source tree %s: %w", srcDir, err)
	}
	defer root.Close()

	info, err := root.Stat(p.File)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrPatchTargetNotFound, p.File)
		}
		return fmt.Errorf("%w: %s: %v", ErrPatchTargetNotFound, p.File, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrPatchTargetNotFound, p.File)
	}

	data, err := root.ReadFile(p.File)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p.File, err)
	}

	match := []byte(p.Match)
	switch n := bytes.Count(data, match); {
	case n == 0:
		return fmt.Errorf("%w: %q not found in %s", ErrPatchTargetNotFound, p.Match, p.File)
	case n > 1:
		return fmt.Errorf("%w: %q found %d times in %s", ErrPatchAmbiguous, p.Match, n, p.File)
	}

	patched := bytes.Replace(data, match, []byte(p.Replace), 1)
	return writeFileAtomic(root, p.File, patched, info.Mode().Perm())
}

// ApplyPatches applies patches in order and stops at the first failure.
func ApplyPatches(srcDir string, patches []PatchSpec) error {
	for i, p := range patches {
		if err := ApplyPatch(srcDir, p); err != nil {
			return fmt.Errorf("patch %d (%s): %w", i+1, p.File, err)
		}
		debugf("Patched %s\n", p.File)
	}
	return nil
}

// writeFileAtomic replaces name through a temporary file in the same
// directory so a failed write never leaves a truncated target.
func writeFileAtomic(root *os.Root, name string, data []byte, perm os.FileMode) error {
	tmpName := filepath.Join(filepath.Dir(name), "."+filepath.Base(name)+".kiln-"+uuid.NewString()[:8])
	tmp, err := root.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	defer root.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := root.Chmod(tmpName, perm); err != nil {
		return err
	}
	return root.Rename(tmpName, name)
}
