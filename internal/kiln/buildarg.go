package kiln

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuildArg is one configure/compile argument. It materializes to "key=value",
// to "key" alone when there are no parts, or to the bare value without a key.
type BuildArg struct {
	Key   string   `yaml:"key,omitempty"`
	Parts ArgParts `yaml:"value,omitempty"`
}

// ArgParts is the ordered, concatenated value of a BuildArg.
type ArgParts []ValuePart

// ValuePart is one typed fragment of a BuildArg value. Exactly one field
// (DepPath aside) must be set.
type ValuePart struct {
	Literal *string `yaml:"literal,omitempty"`
	Prefix  *string `yaml:"prefix,omitempty"` // path under the install prefix
	Dep     string  `yaml:"dep,omitempty"`    // resolved dependency prefix
	DepPath string  `yaml:"dep_path,omitempty"`
	Version string  `yaml:"version,omitempty"` // regexp applied to the recipe version
	Source  *string `yaml:"source,omitempty"`  // path inside the extracted source tree
	Env     string  `yaml:"env,omitempty"`     // value of an environment variable
}

// Lit, PrefixPath, DepPrefix, VersionMatch, SourcePath and EnvValue build
// value parts from Go code.
func Lit(s string) ValuePart             { return ValuePart{Literal: &s} }
func PrefixPath(sub string) ValuePart    { return ValuePart{Prefix: &sub} }
func DepPrefix(name string) ValuePart    { return ValuePart{Dep: name} }
func VersionMatch(expr string) ValuePart { return ValuePart{Version: expr} }
func SourcePath(sub string) ValuePart    { return ValuePart{Source: &sub} }
func EnvValue(name string) ValuePart     { return ValuePart{Env: name} }

// Flag returns a key-only argument such as "--disable-nls".
func Flag(key string) BuildArg { return BuildArg{Key: key} }

// Arg returns a key=value argument.
func Arg(key string, parts ...ValuePart) BuildArg { return BuildArg{Key: key, Parts: parts} }

// UnmarshalYAML accepts a scalar as a key-only flag.
func (a *BuildArg) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		a.Key = n.Value
		return nil
	}
	type plain BuildArg
	return n.Decode((*plain)(a))
}

// UnmarshalYAML accepts a scalar as a single literal part.
func (p *ArgParts) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*p = ArgParts{Lit(n.Value)}
		return nil
	}
	var parts []ValuePart
	if err := n.Decode(&parts); err != nil {
		return err
	}
	*p = parts
	return nil
}

// UnmarshalYAML accepts a scalar as a literal.
func (v *ValuePart) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*v = Lit(n.Value)
		return nil
	}
	type plain ValuePart
	return n.Decode((*plain)(v))
}

func (v ValuePart) kinds() int {
	n := 0
	for _, set := range []bool{v.Literal != nil, v.Prefix != nil, v.Dep != "", v.Version != "", v.Source != nil, v.Env != ""} {
		if set {
			n++
		}
	}
	return n
}

func (v ValuePart) validate(declared map[string]bool) error {
	switch v.kinds() {
	case 0:
		return fmt.Errorf("part has no kind")
	case 1:
	default:
		return fmt.Errorf("part has more than one kind")
	}
	if v.DepPath != "" && v.Dep == "" {
		return fmt.Errorf("dep_path without dep")
	}
	if v.Dep != "" && !declared[v.Dep] {
		return fmt.Errorf("dependency %q is not declared", v.Dep)
	}
	if v.Version != "" {
		if _, err := regexp.Compile(v.Version); err != nil {
			return fmt.Errorf("version pattern: %v", err)
		}
	}
	for _, sub := range []*string{v.Prefix, v.Source} {
		if sub != nil && *sub != "" && !filepath.IsLocal(*sub) {
			return fmt.Errorf("path %q must be relative and stay inside its root", *sub)
		}
	}
	if v.Env != "" && !envName.MatchString(v.Env) {
		return fmt.Errorf("invalid variable name %q", v.Env)
	}
	return nil
}

// argContext carries everything a value part may refer to.
type argContext struct {
	version   string
	prefix    string
	sourceDir string
	deps      map[string]string
	lookupEnv func(string) (string, bool)
}

func (c argContext) env(name string) string {
	lookup := c.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, _ := lookup(name)
	return v
}

func (v ValuePart) materialize(c argContext) (string, error) {
	switch {
	case v.Literal != nil:
		return *v.Literal, nil
	case v.Prefix != nil:
		return filepath.Join(c.prefix, *v.Prefix), nil
	case v.Dep != "":
		p, ok := c.deps[v.Dep]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrDependencyNotFound, v.Dep)
		}
		return filepath.Join(p, v.DepPath), nil
	case v.Version != "":
		return versionSuffix(c.version, v.Version)
	case v.Source != nil:
		return filepath.Join(c.sourceDir, *v.Source), nil
	case v.Env != "":
		return c.env(v.Env), nil
	}
	return "", fmt.Errorf("part has no kind")
}

// versionSuffix returns the first match of expr in version, e.g. "4.6" for
// "4.6.1" and `\d\.\d`.
func versionSuffix(version, expr string) (string, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", err
	}
	loc := re.FindStringIndex(version)
	if loc == nil {
		return "", fmt.Errorf("version %q does not match %q", version, expr)
	}
	return version[loc[0]:loc[1]], nil
}

// materialize renders a as a single command-line argument.
func (a BuildArg) materialize(c argContext) (string, error) {
	var sb strings.Builder
	for _, p := range a.Parts {
		s, err := p.materialize(c)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	switch {
	case a.Key == "":
		return sb.String(), nil
	case len(a.Parts) == 0:
		return a.Key, nil
	default:
		return a.Key + "=" + sb.String(), nil
	}
}

// materializeArgs renders every BuildArg of the recipe in order.
func materializeArgs(args []BuildArg, c argContext) ([]string, error) {
	out := make([]string, 0, len(args))
	for i, a := range args {
		s, err := a.materialize(c)
		if err != nil {
			return nil, fmt.Errorf("args[%d] (%s): %w", i, a.Key, err)
		}
		out = append(out, s)
	}
	return out, nil
}
