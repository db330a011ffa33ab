package kiln

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Recipe describes how to build one package version. It is never modified
// after LoadRecipe returns it.
type Recipe struct {
	Name     string             `yaml:"name"`
	Version  string             `yaml:"version"`
	Homepage string             `yaml:"homepage,omitempty"`
	Source   Source             `yaml:"source"`
	Depends  []string           `yaml:"depends,omitempty"`
	Env      EnvironmentOverlay `yaml:"env,omitempty"`
	Patches  []PatchSpec        `yaml:"patches,omitempty"`
	Args     []BuildArg         `yaml:"args,omitempty"`
	Steps    []ShellStep        `yaml:"steps"`
}

// Source is the upstream archive and its expected checksum.
type Source struct {
	URL      string `yaml:"url"`
	Checksum string `yaml:"checksum"`
}

// EnvironmentOverlay lists variables to set and to delete.
type EnvironmentOverlay struct {
	Set   map[string]string `yaml:"set,omitempty"`
	Unset []string          `yaml:"unset,omitempty"`
}

// Empty reports whether the overlay changes nothing.
func (o EnvironmentOverlay) Empty() bool {
	return len(o.Set) == 0 && len(o.Unset) == 0
}

// PatchSpec is a literal find/replace edit on one source file.
type PatchSpec struct {
	File    string `yaml:"file"`
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
}

// Stage groups steps for the build state machine.
type Stage string

const (
	StageConfigure Stage = "configure"
	StageBuild     Stage = "build"
	StageInstall   Stage = "install"
)

var stageRank = map[Stage]int{
	StageConfigure: 0,
	StageBuild:     1,
	StageInstall:   2,
}

// ShellStep runs one command inside the source tree.
type ShellStep struct {
	Name     string             `yaml:"name,omitempty"`
	Stage    Stage              `yaml:"stage,omitempty"`
	Dir      string             `yaml:"dir,omitempty"` // relative to the source root
	Command  string             `yaml:"command"`
	Args     []string           `yaml:"args,omitempty"`
	WithArgs bool               `yaml:"with_args,omitempty"` // append the recipe's materialized BuildArgs
	Env      EnvironmentOverlay `yaml:"env,omitempty"`       // child environment only
}

// stage returns the step's stage, defaulting to build.
func (s ShellStep) stage() Stage {
	if s.Stage == "" {
		return StageBuild
	}
	return s.Stage
}

// label names the step for logs and errors.
func (s ShellStep) label() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Command)
}

// LoadRecipe reads and validates a YAML recipe file.
func LoadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read recipe: %w", err)
	}
	return ParseRecipe(data)
}

// ParseRecipe decodes and validates a YAML recipe.
func ParseRecipe(data []byte) (*Recipe, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var r Recipe
	if err := dec.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrMalformedRecipe)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipe, err)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks every invariant a recipe must hold before any side effect.
func (r *Recipe) Validate() error {
	malformed := func(format string, a ...any) error {
		return fmt.Errorf("%w: %s", ErrMalformedRecipe, fmt.Sprintf(format, a...))
	}

	if r.Name == "" {
		return malformed("name is empty")
	}
	if r.Version == "" {
		return malformed("version is empty")
	}
	if r.Source.URL == "" {
		return malformed("source url is empty")
	}
	if _, err := ParseChecksum(r.Source.Checksum); err != nil {
		return malformed("source checksum: %v", err)
	}

	declared := make(map[string]bool, len(r.Depends))
	for i, dep := range r.Depends {
		if dep == "" {
			return malformed("depends[%d] is empty", i)
		}
		if declared[dep] {
			return malformed("dependency %q declared twice", dep)
		}
		declared[dep] = true
	}

	if err := r.Env.validate(); err != nil {
		return malformed("env: %v", err)
	}

	for i, p := range r.Patches {
		if p.File == "" {
			return malformed("patches[%d]: file is empty", i)
		}
		if !filepath.IsLocal(p.File) {
			return malformed("patches[%d]: file %q escapes the source tree", i, p.File)
		}
		if p.Match == "" {
			return malformed("patches[%d]: match text is empty", i)
		}
	}

	for i, a := range r.Args {
		if a.Key == "" && len(a.Parts) == 0 {
			return malformed("args[%d] has neither key nor value", i)
		}
		for j, part := range a.Parts {
			if err := part.validate(declared); err != nil {
				return malformed("args[%d].value[%d]: %v", i, j, err)
			}
		}
	}

	// Steps form a strict sequence; the only ordering to check is that
	// stages never go backwards.
	if len(r.Steps) == 0 {
		return malformed("no steps")
	}
	last := StageConfigure
	for i, s := range r.Steps {
		if s.Command == "" {
			return malformed("steps[%d]: command is empty", i)
		}
		rank, ok := stageRank[s.stage()]
		if !ok {
			return malformed("steps[%d]: unknown stage %q", i, s.Stage)
		}
		if rank < stageRank[last] {
			return malformed("steps[%d]: stage %s after %s", i, s.stage(), last)
		}
		last = s.stage()
		if s.Dir != "" && s.Dir != "." && !filepath.IsLocal(s.Dir) {
			return malformed("steps[%d]: dir %q escapes the source tree", i, s.Dir)
		}
		if err := s.Env.validate(); err != nil {
			return malformed("steps[%d].env: %v", i, err)
		}
	}

	return nil
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (o EnvironmentOverlay) validate() error {
	for k := range o.Set {
		if !envName.MatchString(k) {
			return fmt.Errorf("invalid variable name %q", k)
		}
	}
	for _, k := range o.Unset {
		if !envName.MatchString(k) {
			return fmt.Errorf("invalid variable name %q", k)
		}
		if _, ok := o.Set[k]; ok {
			return fmt.Errorf("variable %q is both set and unset", k)
		}
	}
	return nil
}
