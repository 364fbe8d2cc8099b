// Package buildkit cross-compiles the server and client artifacts.
package buildkit

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/config"
	"github.com/tunloop/tunctl/internal/tools"
)

const buildTimeout = 120 * time.Second

// Artifacts holds the paths of the two freshly built binaries,
// relative to the build source dir.
type Artifacts struct {
	ServerPath string
	ClientPath string
}

// Build compiles the server for the remote target platform and the
// client for the host platform. Compiler diagnostics stream through
// unmodified; any failure is fatal to the run.
func Build(ctx context.Context, runner tools.Runner, cfg config.BuildConfig) (Artifacts, error) {
	artifacts := Artifacts{
		ServerPath: filepath.Join(cfg.SourceDir, "bin", "tunloop-server"),
		ClientPath: filepath.Join(cfg.SourceDir, "bin", "tunloop-client"),
	}

	log.Info().
		Str("goos", cfg.ServerGOOS).
		Str("goarch", cfg.ServerGOARCH).
		Msg("building server")
	_, err := runner.Run(ctx, tools.Spec{
		Name:    "go",
		Args:    []string{"build", "-o", filepath.Join("bin", "tunloop-server"), "./cmd/server"},
		Dir:     cfg.SourceDir,
		Env:     []string{"GOOS=" + cfg.ServerGOOS, "GOARCH=" + cfg.ServerGOARCH, "CGO_ENABLED=0"},
		Timeout: buildTimeout,
		Stream:  true,
	})
	if err != nil {
		return Artifacts{}, fmt.Errorf("buildkit: server build: %w", err)
	}

	log.Info().
		Str("goos", runtime.GOOS).
		Str("goarch", runtime.GOARCH).
		Msg("building client")
	_, err = runner.Run(ctx, tools.Spec{
		Name:    "go",
		Args:    []string{"build", "-o", filepath.Join("bin", "tunloop-client"), "./cmd/client"},
		Dir:     cfg.SourceDir,
		Timeout: buildTimeout,
		Stream:  true,
	})
	if err != nil {
		return Artifacts{}, fmt.Errorf("buildkit: client build: %w", err)
	}

	return artifacts, nil
}
