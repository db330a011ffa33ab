package kiln

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver maps a dependency name to its installation prefix.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// StaticResolver resolves from a fixed name → prefix table.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, name string) (string, error) {
	if p, ok := s[name]; ok && p != "" {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s", ErrDependencyNotFound, name)
}

// DirResolver resolves name to Root/name, which must be a directory.
type DirResolver struct {
	Root string
}

func (d DirResolver) Resolve(_ context.Context, name string) (string, error) {
	if d.Root == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %s", ErrDependencyNotFound, name)
	}
	p := filepath.Join(d.Root, name)
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s (looked in %s)", ErrDependencyNotFound, name, d.Root)
	}
	return p, nil
}

// ChainResolver tries each resolver in order; the first hit wins.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, name string) (string, error) {
	for _, r := range c {
		p, err := r.Resolve(ctx, name)
		if err == nil {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDependencyNotFound, name)
}

// resolveDependencies resolves every declared dependency or fails on the
// first one the resolver does not know.
func resolveDependencies(ctx context.Context, r Resolver, names []string) (map[string]string, error) {
	prefixes := make(map[string]string, len(names))
	for _, name := range names {
		if r == nil {
			return nil, fmt.Errorf("%w: %s (no resolver configured)", ErrDependencyNotFound, name)
		}
		p, err := r.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		debugf("Resolved %s -> %s\n", name, p)
		prefixes[name] = p
	}
	return prefixes, nil
}

// ParseDepOverrides turns "name=path" pairs into a StaticResolver.
func ParseDepOverrides(pairs []string) (StaticResolver, error) {
	s := make(StaticResolver, len(pairs))
	for _, pair := range pairs {
		name, path, ok := strings.Cut(pair, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid dependency override %q, want name=path", pair)
		}
		s[name] = path
	}
	return s, nil
}
