package kiln

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// Config struct
type Config struct {
	Values map[string]string

	CacheDir  string // downloaded sources, one file per URL basename
	WorkDir   string // parent of per-session build directories
	Prefix    string // install root; a recipe installs into Prefix/name/version
	DepsRoot  string // where DirResolver looks for dependency prefixes
	GNUMirror string
}

// LoadConfig reads a KEY=VALUE config file, merges KILN_* environment
// overrides and fills in defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	mergeEnvOverrides(cfg)
	initConfig(cfg)
	return cfg, nil
}

// Merge KILN_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "KILN_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}

	// TMPDIR from the environment is only a fallback for the work dir
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		if _, exists := cfg.Values["TMPDIR"]; !exists {
			cfg.Values["TMPDIR"] = tmp
		}
	}
}

func initConfig(cfg *Config) {
	cfg.CacheDir = cfg.Values["KILN_CACHE_DIR"]
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(xdg.CacheHome, "kiln")
	}

	cfg.WorkDir = cfg.Values["KILN_WORK_DIR"]
	if cfg.WorkDir == "" {
		cfg.WorkDir = cfg.Values["TMPDIR"]
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/tmp"
	}

	cfg.Prefix = cfg.Values["KILN_PREFIX"]
	if cfg.Prefix == "" {
		cfg.Prefix = "/opt/kiln"
	}

	cfg.DepsRoot = cfg.Values["KILN_DEPS_ROOT"]
	if cfg.DepsRoot == "" {
		cfg.DepsRoot = filepath.Join(cfg.Prefix, "opt")
	}

	if cfg.Values["KILN_DEBUG"] == "1" {
		Debug = true
	}

	if mirror := cfg.Values["KILN_GNU_MIRROR"]; mirror != "" {
		cfg.GNUMirror = strings.TrimRight(mirror, "/") // Remove trailing slash if present
		debugf("=> Using GNU mirror from config: %s\n", cfg.GNUMirror)
	}
}

// SourcesDir is the download cache for source archives.
func (c *Config) SourcesDir() string {
	return filepath.Join(c.CacheDir, "sources")
}

// InstallPrefix returns the prefix a recipe installs into.
func (c *Config) InstallPrefix(r *Recipe) string {
	return filepath.Join(c.Prefix, r.Name, r.Version)
}
