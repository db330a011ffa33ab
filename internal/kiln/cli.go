package kiln

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
)

// CLI is the kiln command line. It drives exactly one recipe per call.
type CLI struct {
	Debug   bool       `short:"d" help:"Enable debug output."`
	Config  string     `short:"c" help:"Config file." type:"path" placeholder:"PATH"`
	Build   BuildCmd   `cmd:"" help:"Fetch, patch, configure, build and install a recipe."`
	Fetch   FetchCmd   `cmd:"" help:"Download a recipe's source and verify its checksum."`
	Check   CheckCmd   `cmd:"" help:"Validate a recipe and show its build arguments."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// BuildCmd is 'kiln build'.
type BuildCmd struct {
	Recipe   string   `arg:"" type:"existingfile" help:"Recipe file."`
	Dep      []string `short:"D" help:"Dependency prefix override." placeholder:"NAME=PATH"`
	DepsRoot string   `help:"Directory holding one prefix per dependency." type:"path"`
	Prefix   string   `help:"Install root; the recipe installs into PREFIX/name/version." type:"path"`
	KeepWork bool     `help:"Keep the work directory after a successful build."`
	Idle     bool     `help:"Run build steps at idle priority."`
}

// Run executes the build command.
func (c *BuildCmd) Run(ctx context.Context, cfg *Config) error {
	r, err := LoadRecipe(c.Recipe)
	if err != nil {
		return err
	}
	if c.Prefix != "" {
		cfg.Prefix = c.Prefix
	}
	if c.DepsRoot != "" {
		cfg.DepsRoot = c.DepsRoot
	}

	overrides, err := ParseDepOverrides(c.Dep)
	if err != nil {
		return err
	}

	_, err = Run(ctx, Options{
		Recipe:       r,
		Config:       cfg,
		Resolver:     ChainResolver{overrides, DirResolver{Root: cfg.DepsRoot}},
		KeepWork:     c.KeepWork,
		IdlePriority: c.Idle || cfg.Values["KILN_IDLE"] == "1",
	})
	return err
}

// FetchCmd is 'kiln fetch'.
type FetchCmd struct {
	Recipe string `arg:"" type:"existingfile" help:"Recipe file."`
}

// Run executes the fetch command.
func (c *FetchCmd) Run(ctx context.Context, cfg *Config) error {
	r, err := LoadRecipe(c.Recipe)
	if err != nil {
		return err
	}
	archive, err := Fetch(ctx, cfg, r)
	if err != nil {
		return err
	}
	status(colSuccess, "%s: ok", archive)
	return nil
}

// CheckCmd is 'kiln check'.
type CheckCmd struct {
	Recipe string   `arg:"" type:"existingfile" help:"Recipe file."`
	Dep    []string `short:"D" help:"Dependency prefix override." placeholder:"NAME=PATH"`
}

// Run executes the check command. Dependencies that cannot be resolved are
// shown as placeholders rather than failing.
func (c *CheckCmd) Run(ctx context.Context, cfg *Config) error {
	r, err := LoadRecipe(c.Recipe)
	if err != nil {
		return err
	}
	overrides, err := ParseDepOverrides(c.Dep)
	if err != nil {
		return err
	}
	resolver := ChainResolver{overrides, DirResolver{Root: cfg.DepsRoot}}

	deps := make(map[string]string, len(r.Depends))
	for _, name := range r.Depends {
		p, err := resolver.Resolve(ctx, name)
		if err != nil {
			status(colWarn, "dependency %s is not installed", name)
			p = "<" + name + ">"
		}
		deps[name] = p
	}

	args, err := materializeArgs(r.Args, argContext{
		version:   r.Version,
		prefix:    cfg.InstallPrefix(r),
		sourceDir: "<src>",
		deps:      deps,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(console, colInfo.Sprintf("%s %s", r.Name, r.Version))
	fmt.Fprintf(console, "  source:   %s\n", r.Source.URL)
	fmt.Fprintf(console, "  checksum: %s\n", r.Source.Checksum)
	fmt.Fprintf(console, "  prefix:   %s\n", cfg.InstallPrefix(r))
	if len(r.Depends) > 0 {
		fmt.Fprintf(console, "  depends:  %s\n", strings.Join(r.Depends, " "))
	}
	for _, p := range r.Patches {
		fmt.Fprintf(console, "  patch:    %s\n", p.File)
	}
	for _, a := range args {
		fmt.Fprintf(console, "  arg:      %s\n", a)
	}
	for i, s := range r.Steps {
		fmt.Fprintf(console, "  step %d:   [%s] %s %s\n", i+1, s.stage(), s.Command, strings.Join(s.Args, " "))
	}
	return nil
}

// VersionCmd is 'kiln version'.
type VersionCmd struct{}

// Run executes the version command.
func (c *VersionCmd) Run() error {
	fmt.Fprintf(console, "kiln %s (%s, %s)\n", version, arch, buildDate)
	return nil
}

// Main is the CLI entrypoint for the kiln binary.
func Main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kongCtx := kong.Parse(&cli,
		kong.Name("kiln"),
		kong.Description("Build one package version from a declarative recipe."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configPath := ConfigFile
	if cli.Config != "" {
		configPath = cli.Config
	} else if env := os.Getenv("KILN_CONFIG"); env != "" {
		configPath = env
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fail(fmt.Errorf("failed to load config %s: %w", filepath.Clean(configPath), err))
	}
	if cli.Debug {
		Debug = true
	}
	kongCtx.Bind(cfg)

	if err := kongCtx.Run(); err != nil {
		if errors.Is(err, context.Canceled) {
			status(colError, "interrupted")
			os.Exit(130)
		}
		// Run has already reported build failures
		var be *BuildError
		if errors.As(err, &be) {
			os.Exit(1)
		}
		fail(err)
	}
}

func fail(err error) {
	status(colError, "%v", err)
	os.Exit(1)
}
