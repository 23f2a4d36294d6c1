package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/animus-labs/animus-grid/internal/driver"
)

const (
	containerInputDir  = "/grid/input"
	containerOutputDir = "/grid/output"
)

// DockerProcessor runs each batch in a fresh container. Staged input and
// output directories are bind-mounted at /grid/input and /grid/output.
type DockerProcessor struct {
	dockerBin string
	image     string
	args      []string
	resources Resources
	stdout    io.Writer
	stderr    io.Writer
}

type Resources struct {
	CPUs   string
	Memory string
	GPUs   int
}

type DockerOptions struct {
	DockerBin string
	Resources Resources
	Stdout    io.Writer
	Stderr    io.Writer
}

func NewDockerProcessor(image string, args []string, opts DockerOptions) (*DockerProcessor, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, errors.New("image ref is required")
	}
	dockerBin := strings.TrimSpace(opts.DockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	p := &DockerProcessor{
		dockerBin: dockerBin,
		image:     image,
		args:      append([]string(nil), args...),
		resources: opts.Resources,
		stdout:    opts.Stdout,
		stderr:    opts.Stderr,
	}
	if p.stdout == nil {
		p.stdout = os.Stdout
	}
	if p.stderr == nil {
		p.stderr = os.Stderr
	}
	return p, nil
}

func (p *DockerProcessor) Process(ctx context.Context, task driver.Task) ([]string, error) {
	args, err := p.runArgs(task)
	if err != nil {
		return nil, err
	}
	outputs, err := run(ctx, p.dockerBin, args, os.Environ(), "", p.stdout, p.stderr)
	return hostPaths(outputs, task.OutputDir), err
}

func (p *DockerProcessor) runArgs(task driver.Task) ([]string, error) {
	inputDir, outputDir := "", ""
	args := []string{"run", "--rm", "--network", "host"}
	if task.InputDir != "" {
		abs, err := filepath.Abs(task.InputDir)
		if err != nil {
			return nil, err
		}
		args = append(args, "-v", abs+":"+containerInputDir+":ro")
		inputDir = containerInputDir
	}
	if task.OutputDir != "" {
		abs, err := filepath.Abs(task.OutputDir)
		if err != nil {
			return nil, err
		}
		args = append(args, "-v", abs+":"+containerOutputDir)
		outputDir = containerOutputDir
	}
	for _, kv := range taskEnv(task, inputDir, outputDir) {
		args = append(args, "-e", kv)
	}

	if p.resources.GPUs > 0 {
		args = append(args, "--gpus", strconv.Itoa(p.resources.GPUs))
	}
	if cpu := strings.TrimSpace(p.resources.CPUs); cpu != "" {
		if parsed, err := strconv.ParseFloat(cpu, 64); err == nil && parsed > 0 {
			args = append(args, "--cpus", fmt.Sprintf("%g", parsed))
		}
	}
	if mem := strings.TrimSpace(p.resources.Memory); mem != "" {
		args = append(args, "--memory", mem)
	}

	args = append(args, p.image)
	return append(args, p.args...), nil
}

// hostPaths maps declared container paths under /grid/output back to the
// host output directory.
func hostPaths(outputs []string, outputDir string) []string {
	if outputDir == "" {
		return outputs
	}
	out := make([]string, 0, len(outputs))
	for _, o := range outputs {
		if rel, ok := strings.CutPrefix(path.Clean(o), containerOutputDir+"/"); ok {
			o = filepath.Join(outputDir, filepath.FromSlash(rel))
		}
		out = append(out, o)
	}
	return out
}
