package runtimeexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/claim"
	"github.com/animus-labs/animus-grid/internal/driver"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestTaskEnv(t *testing.T) {
	task := driver.Task{
		Unit:     batch.Unit{ID: "b1", Path: "src/b1"},
		Params:   map[string]string{"threshold": "0.5", "GRID_BATCH": "evil", " ": "x"},
		LockPath: "coord/b1.lock",
	}
	got := taskEnv(task, "in", "out")
	want := []string{
		"threshold=0.5",
		"GRID_BATCH=b1",
		"GRID_BATCH_PATH=src/b1",
		"GRID_INPUT_DIR=in",
		"GRID_OUTPUT_DIR=out",
		"GRID_LOCK_PATH=coord/b1.lock",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("taskEnv()=%v, want %v", got, want)
	}
}

func TestOutputCollector(t *testing.T) {
	var sink bytes.Buffer
	c := &outputCollector{w: &sink}
	_, _ = c.Write([]byte("working\noutput: a.tif\nout"))
	_, _ = c.Write([]byte("put:  b.tif \noutput:"))
	c.flush()
	if !reflect.DeepEqual(c.outputs, []string{"a.tif", "b.tif"}) {
		t.Fatalf("outputs=%v, want [a.tif b.tif]", c.outputs)
	}
	if !strings.HasPrefix(sink.String(), "working\n") {
		t.Fatalf("stdout not passed through: %q", sink.String())
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abcdef"))
	if got := tb.String(); got != "cdef" {
		t.Fatalf("String()=%q, want cdef", got)
	}
}

func TestCommandProcessorSuccess(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	var stdout bytes.Buffer
	p, err := NewCommandProcessor([]string{"sh", "-c", `echo "batch=$GRID_BATCH"; echo "output: $GRID_BATCH-$level.txt"`},
		CommandOptions{Dir: dir, Stdout: &stdout})
	if err != nil {
		t.Fatalf("NewCommandProcessor() error = %v", err)
	}
	outputs, err := p.Process(context.Background(), driver.Task{
		Unit:   batch.Unit{ID: "b7"},
		Params: map[string]string{"level": "2"},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if want := []string{filepath.Join(dir, "b7-2.txt")}; !reflect.DeepEqual(outputs, want) {
		t.Fatalf("Process()=%v, want %v", outputs, want)
	}
	if !strings.Contains(stdout.String(), "batch=b7") {
		t.Fatalf("stdout=%q, want batch=b7", stdout.String())
	}
}

func TestCommandProcessorExitError(t *testing.T) {
	requireShell(t)
	var stderr bytes.Buffer
	p, err := NewCommandProcessor([]string{"sh", "-c", "echo 'bad tile' >&2; exit 3"}, CommandOptions{Stderr: &stderr})
	if err != nil {
		t.Fatalf("NewCommandProcessor() error = %v", err)
	}
	_, err = p.Process(context.Background(), driver.Task{Unit: batch.Unit{ID: "b"}})
	var pe *driver.ProcessingError
	if !errors.As(err, &pe) || pe.Kind() != "ExitError" {
		t.Fatalf("Process() error = %v, want ExitError", err)
	}
	if got := claim.FormatError("b", err); got != "ExitError in batch b: exit status 3: bad tile" {
		t.Fatalf("FormatError()=%q", got)
	}
}

func TestNewCommandProcessorValidation(t *testing.T) {
	if _, err := NewCommandProcessor(nil, CommandOptions{}); !errors.Is(err, ErrCommandRequired) {
		t.Fatalf("NewCommandProcessor(nil) error = %v, want ErrCommandRequired", err)
	}
	if _, err := NewCommandProcessor([]string{"definitely-not-a-grid-binary"}, CommandOptions{}); err == nil {
		t.Fatalf("NewCommandProcessor(missing) error = nil")
	}
}

func TestDockerRunArgs(t *testing.T) {
	p := &DockerProcessor{
		dockerBin: "docker",
		image:     "registry.local/ndvi:1.2",
		args:      []string{"--fast"},
		resources: Resources{CPUs: "1.5", Memory: "2g", GPUs: 1},
	}
	in, out := t.TempDir(), t.TempDir()
	args, err := p.runArgs(driver.Task{Unit: batch.Unit{ID: "b1"}, InputDir: in, OutputDir: out})
	if err != nil {
		t.Fatalf("runArgs() error = %v", err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run --rm --network host",
		"-v " + in + ":/grid/input:ro",
		"-v " + out + ":/grid/output",
		"-e GRID_BATCH=b1",
		"-e GRID_OUTPUT_DIR=/grid/output",
		"--gpus 1 --cpus 1.5 --memory 2g",
		"registry.local/ndvi:1.2 --fast",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("runArgs()=%q, missing %q", joined, want)
		}
	}
}

func TestHostPaths(t *testing.T) {
	got := hostPaths([]string{"/grid/output/sub/a.tif", "/tmp/x"}, "target")
	want := []string{filepath.Join("target", "sub", "a.tif"), "/tmp/x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("hostPaths()=%v, want %v", got, want)
	}
}
