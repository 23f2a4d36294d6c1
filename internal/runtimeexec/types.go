// Package runtimeexec runs the user workload for a claimed batch as an
// external process, either directly or inside a Docker container.
package runtimeexec

import (
	"errors"
	"strings"
)

const (
	EnvBatch     = "GRID_BATCH"
	EnvBatchPath = "GRID_BATCH_PATH"
	EnvInputDir  = "GRID_INPUT_DIR"
	EnvOutputDir = "GRID_OUTPUT_DIR"
	EnvLockPath  = "GRID_LOCK_PATH"

	// OutputPrefix marks stdout lines that declare an output path.
	OutputPrefix = "output:"

	exitErrorKind = "ExitError"
)

var ErrCommandRequired = errors.New("command is required")

func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case EnvBatch, EnvBatchPath, EnvInputDir, EnvOutputDir, EnvLockPath:
		return true
	default:
		return false
	}
}
