package kiln

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// outputTailLines is how much of a failed step's output ends up in its
// StepError.
const outputTailLines = 20

// Options controls one build session.
type Options struct {
	Recipe   *Recipe
	Config   *Config
	Resolver Resolver

	// Env receives the recipe's session overlay. Defaults to ProcessEnv.
	Env Environment

	// Output receives the combined output of every step in addition to
	// its log file. Defaults to the console; io.Discard silences it.
	Output io.Writer

	KeepWork     bool // keep the work dir after a successful build
	IdlePriority bool // run steps under nice -n 19
}

// StepResult records one executed step.
type StepResult struct {
	Name     string
	ExitCode int
	Duration time.Duration
	Log      string
}

// Result describes a finished session. It is returned for failed runs too.
type Result struct {
	State       State
	History     []State // every state entered, in order
	FailedStage string  // empty unless State is StateFailed
	Prefix      string
	WorkDir     string
	SourceDir   string
	LogDir      string
	Args        []string // materialized BuildArgs
	Steps       []StepResult
	Duration    time.Duration
}

// session holds the mutable state of one Run.
type session struct {
	opts   Options
	recipe *Recipe
	cfg    *Config
	env    Environment
	out    io.Writer
	res    *Result
}

// Run builds the recipe end-to-end: fetch, verify, extract, patch, resolve
// dependencies, materialize arguments, apply the environment overlay and run
// the steps in order. The first error aborts the session; the overlay is
// reverted on every exit path, and a failed session keeps its work dir.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Recipe == nil {
		return nil, fmt.Errorf("%w: no recipe", ErrMalformedRecipe)
	}
	if err := opts.Recipe.Validate(); err != nil {
		return nil, err
	}
	if opts.Config == nil {
		cfg, err := LoadConfig(ConfigFile)
		if err != nil {
			return nil, err
		}
		opts.Config = cfg
	}

	s := &session{
		opts:   opts,
		recipe: opts.Recipe,
		cfg:    opts.Config,
		env:    opts.Env,
		out:    opts.Output,
		res:    &Result{State: StateLoaded, History: []State{StateLoaded}},
	}
	if s.env == nil {
		s.env = ProcessEnv
	}
	if s.out == nil {
		s.out = console
	}

	startTime := time.Now()
	err := s.run(ctx)
	s.res.Duration = time.Since(startTime)

	if err != nil {
		s.advance(StateFailed)
		var be *BuildError
		if errors.As(err, &be) {
			s.res.FailedStage = be.Stage
		}
		status(colError, "%s %s failed: %v", s.recipe.Name, s.recipe.Version, err)
		if _, statErr := os.Stat(s.res.WorkDir); statErr == nil {
			status(colNote, "Build files kept in %s", s.res.WorkDir)
		}
		return s.res, err
	}

	if !opts.KeepWork {
		if err := os.RemoveAll(s.res.WorkDir); err != nil {
			status(colWarn, "failed to remove work dir %s: %v", s.res.WorkDir, err)
		}
	}
	status(colSuccess, "%s %s installed to %s in %s", s.recipe.Name, s.recipe.Version, s.res.Prefix, s.res.Duration.Round(time.Second))
	return s.res, nil
}

func (s *session) fail(stage string, err error) error {
	return &BuildError{Stage: stage, Err: err}
}

func (s *session) advance(st State) {
	if s.res.State == st {
		return
	}
	s.res.State = st
	s.res.History = append(s.res.History, st)
	debugf("%s %s: %s\n", s.recipe.Name, s.recipe.Version, st)
}

func (s *session) run(ctx context.Context) (err error) {
	r := s.recipe
	status(colSuccess, "Building %s %s", r.Name, r.Version)

	s.res.Prefix = s.cfg.InstallPrefix(r)
	s.res.WorkDir = filepath.Join(s.cfg.WorkDir, fmt.Sprintf("%s-%s-%s", r.Name, r.Version, uuid.NewString()[:8]))
	s.res.SourceDir = filepath.Join(s.res.WorkDir, "src")
	s.res.LogDir = filepath.Join(s.res.WorkDir, "log")

	// 1. Source: nothing is written to the source tree before the checksum passes.
	archive, err := FetchSource(ctx, s.cfg, r)
	if err != nil {
		return s.fail("fetch", err)
	}
	if err := verifySource(r, archive); err != nil {
		return s.fail("verify", err)
	}

	for _, dir := range []string{s.res.SourceDir, s.res.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return s.fail("extract", fmt.Errorf("failed to create dir %s: %w", dir, err))
		}
	}
	if err := ExtractArchive(archive, s.res.SourceDir); err != nil {
		return s.fail("extract", err)
	}

	// 2. Patches
	if err := ApplyPatches(s.res.SourceDir, r.Patches); err != nil {
		return s.fail("patch", err)
	}
	s.advance(StatePatched)

	// 3. Dependencies, before any argument is materialized
	deps, err := resolveDependencies(ctx, s.opts.Resolver, r.Depends)
	if err != nil {
		return s.fail("resolve", err)
	}

	// 4. Arguments
	s.res.Args, err = materializeArgs(r.Args, argContext{
		version:   r.Version,
		prefix:    s.res.Prefix,
		sourceDir: s.res.SourceDir,
		deps:      deps,
		lookupEnv: s.env.LookupEnv,
	})
	if err != nil {
		return s.fail("args", err)
	}
	debugf("Build args: %s\n", strings.Join(s.res.Args, " "))

	// 5. Session overlay, reverted on every path out of here
	overlay, err := applyOverlay(s.env, r.Env)
	if err != nil {
		return s.fail("env", err)
	}
	defer func() {
		if rerr := overlay.Revert(); rerr != nil && err == nil {
			err = s.fail("env", fmt.Errorf("failed to restore environment: %w", rerr))
		}
	}()

	// 6. Steps
	return s.runSteps(ctx)
}

func (s *session) runSteps(ctx context.Context) error {
	steps := s.recipe.Steps
	executor := &Executor{Context: ctx, ApplyIdlePriority: s.opts.IdlePriority}

	for i, step := range steps {
		stage := fmt.Sprintf("step %d (%s)", i+1, step.label())
		if err := s.runStep(executor, i, step); err != nil {
			return s.fail(stage, err)
		}

		// the stage is complete once its last step has passed
		if i == len(steps)-1 || steps[i+1].stage() != step.stage() {
			s.advance(stageState(step.stage()))
		}
	}
	s.advance(StateInstalled)
	return nil
}

func (s *session) runStep(e *Executor, i int, step ShellStep) error {
	dir := s.res.SourceDir
	if step.Dir != "" && step.Dir != "." {
		if err := mkdirInTree(s.res.SourceDir, step.Dir); err != nil {
			return fmt.Errorf("failed to create working directory %s: %w", step.Dir, err)
		}
		dir = filepath.Join(s.res.SourceDir, step.Dir)
	}

	args := append([]string(nil), step.Args...)
	if step.WithArgs {
		args = append(args, s.res.Args...)
	}

	logPath := filepath.Join(s.res.LogDir, fmt.Sprintf("%02d-%s.log", i+1, logName(step.label())))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log %s: %w", logPath, err)
	}
	defer logFile.Close()

	status(colSuccess, "[%d/%d] %s", i+1, len(s.recipe.Steps), step.label())
	debugf("%s$ %s %s\n", dir, step.Command, strings.Join(args, " "))

	captured := &tailBuffer{max: 64 << 10}
	w := io.MultiWriter(logFile, captured, s.out)

	env := overlayEnviron(s.env.Environ(), step.Env)
	startTime := time.Now()

	path, err := lookPath(step.Command, dir, env)
	code := 0
	if err == nil {
		cmd := exec.Command(path, args...)
		cmd.Dir = dir
		cmd.Env = env
		cmd.Stdout = w
		cmd.Stderr = w
		code, err = e.Run(cmd)
	}
	if err != nil && (errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)) {
		code = 127
	}
	sr := StepResult{Name: step.label(), ExitCode: code, Duration: time.Since(startTime), Log: logPath}
	s.res.Steps = append(s.res.Steps, sr)

	if err != nil {
		if code == 127 {
			return &StepError{Index: i + 1, Name: step.label(), Command: step.Command, ExitCode: 127, Output: err.Error()}
		}
		return err
	}
	if code != 0 {
		return &StepError{
			Index:    i + 1,
			Name:     step.label(),
			Command:  step.Command,
			ExitCode: code,
			Output:   tail(captured.String(), outputTailLines),
		}
	}
	return nil
}

// logName makes a step label safe to use in a file name.
func logName(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, label)
}

// mkdirInTree creates rel under root, refusing any path that leaves root
// through a symlink.
func mkdirInTree(root, rel string) error {
	r, err := os.OpenRoot(root)
	if err != nil {
		return err
	}
	defer r.Close()
	return mkdirAllIn(r, rel, 0o755)
}

// lookPath resolves name the way the child would: against the PATH in env,
// not the one kiln itself runs with. Names containing a slash are used as
// given, relative to dir.
func lookPath(name, dir string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}

	pathList, found := "", false
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathList, found = v, true
		}
	}
	if !found {
		return exec.LookPath(name)
	}

	for _, d := range filepath.SplitList(pathList) {
		if d == "" {
			d = "."
		}
		candidate := filepath.Join(d, name)
		full := candidate
		if !filepath.IsAbs(full) {
			full = filepath.Join(dir, candidate)
		}
		if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			if !filepath.IsAbs(candidate) {
				// exec wants an explicit relative path
				return "./" + candidate, nil
			}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found in PATH %s", exec.ErrNotFound, name, pathList)
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// Fetch downloads and verifies the recipe's source without building it.
func Fetch(ctx context.Context, cfg *Config, r *Recipe) (string, error) {
	archive, err := FetchSource(ctx, cfg, r)
	if err != nil {
		return "", err
	}
	if err := verifySource(r, archive); err != nil {
		return "", err
	}
	return archive, nil
}
