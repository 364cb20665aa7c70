package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/edvaldsson/forgeq/internal/core/ports"
)

// CommandExecutor is the reference work function: it runs a shell command
// from the job params, cancellable through the job context, and persists the
// combined output into a workspace directory. Registered for scheduled_run
// and other; the benchmark/judge/tuning executors live outside this core.
type CommandExecutor struct {
	ws *WorkspaceManager
}

func NewCommandExecutor(ws *WorkspaceManager) *CommandExecutor {
	return &CommandExecutor{ws: ws}
}

type commandParams struct {
	Command string `json:"command"`
	WorkDir string `json:"workdir,omitempty"`
}

// Execute implements ports.WorkExecutor.
func (e *CommandExecutor) Execute(ctx context.Context, params json.RawMessage, report ports.ProgressFunc) (ports.Result, error) {
	var p commandParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ports.Result{}, fmt.Errorf("invalid command params: %w", err)
	}
	if strings.TrimSpace(p.Command) == "" {
		return ports.Result{}, fmt.Errorf("missing command")
	}

	report(5, "preparing workspace")
	outDir, err := e.ws.PrepareWorkspace(uuid.New().String())
	if err != nil {
		return ports.Result{}, err
	}

	report(10, "running command")
	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	if p.WorkDir != "" {
		cmd.Dir = p.WorkDir
	}
	output, runErr := cmd.CombinedOutput()

	// Persist whatever the command produced, even on failure, so the
	// operator can inspect partial output.
	outPath := filepath.Join(outDir, "output.txt")
	if werr := os.WriteFile(outPath, output, 0o644); werr != nil {
		return ports.Result{}, fmt.Errorf("failed writing output: %w", werr)
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return ports.Result{}, ctx.Err()
		}
		return ports.Result{}, fmt.Errorf("command failed: %w", runErr)
	}

	report(100, "command complete")
	return ports.Result{Ref: outPath, Kind: "file"}, nil
}
