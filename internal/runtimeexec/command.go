package runtimeexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/animus-grid/internal/driver"
)

// CommandProcessor runs a local command once per batch. Batch details and
// parameters are passed as environment variables.
type CommandProcessor struct {
	bin    string
	args   []string
	dir    string
	stdout io.Writer
	stderr io.Writer
}

type CommandOptions struct {
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

func NewCommandProcessor(command []string, opts CommandOptions) (*CommandProcessor, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, ErrCommandRequired
	}
	bin, err := exec.LookPath(command[0])
	if err != nil {
		return nil, fmt.Errorf("command not found: %w", err)
	}
	p := &CommandProcessor{
		bin:    bin,
		args:   append([]string(nil), command[1:]...),
		dir:    opts.Dir,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
	}
	if p.stdout == nil {
		p.stdout = os.Stdout
	}
	if p.stderr == nil {
		p.stderr = os.Stderr
	}
	return p, nil
}

func (p *CommandProcessor) Process(ctx context.Context, task driver.Task) ([]string, error) {
	env := append(os.Environ(), taskEnv(task, task.InputDir, task.OutputDir)...)
	outputs, err := run(ctx, p.bin, p.args, env, p.dir, p.stdout, p.stderr)
	if err != nil {
		return nil, err
	}
	for i, o := range outputs {
		if !filepath.IsAbs(o) && p.dir != "" {
			outputs[i] = filepath.Join(p.dir, o)
		}
	}
	return outputs, nil
}

// taskEnv renders KEY=VALUE pairs for one batch. Parameters are exported under
// their own names; the GRID_* batch variables cannot be overridden by them.
func taskEnv(task driver.Task, inputDir, outputDir string) []string {
	keys := sortedKeys(task.Params)
	env := make([]string, 0, len(keys)+5)
	for _, k := range keys {
		if isReservedEnvKey(k) {
			continue
		}
		env = append(env, strings.TrimSpace(k)+"="+task.Params[k])
	}
	env = append(env,
		EnvBatch+"="+task.Unit.ID,
		EnvBatchPath+"="+task.Unit.Path,
		EnvInputDir+"="+inputDir,
		EnvOutputDir+"="+outputDir,
		EnvLockPath+"="+task.LockPath,
	)
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

const stderrTail = 2048

func run(ctx context.Context, bin string, args, env []string, dir string, stdout, stderr io.Writer) ([]string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = env
	cmd.Dir = dir
	lines := &outputCollector{w: stdout}
	tail := &tailBuffer{max: stderrTail}
	cmd.Stdout = lines
	cmd.Stderr = io.MultiWriter(stderr, tail)

	err := cmd.Run()
	lines.flush()
	if err == nil {
		return lines.outputs, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := exitErr.Error()
		if text := strings.TrimSpace(tail.String()); text != "" {
			msg += ": " + text
		}
		return lines.outputs, &driver.ProcessingError{ErrorKind: exitErrorKind, Message: msg, Err: err}
	}
	return nil, fmt.Errorf("run %s: %w", filepath.Base(bin), err)
}

// outputCollector passes stdout through and records "output:" lines.
type outputCollector struct {
	mu      sync.Mutex
	w       io.Writer
	partial []byte
	outputs []string
}

func (c *outputCollector) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial = append(c.partial, b...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		c.line(string(c.partial[:i]))
		c.partial = c.partial[i+1:]
	}
	if c.w == nil {
		return len(b), nil
	}
	return c.w.Write(b)
}

func (c *outputCollector) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.partial) > 0 {
		c.line(string(c.partial))
		c.partial = nil
	}
}

func (c *outputCollector) line(s string) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, OutputPrefix); ok {
		if out := strings.TrimSpace(rest); out != "" {
			c.outputs = append(c.outputs, out)
		}
	}
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
