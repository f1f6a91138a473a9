package convtools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/convcore/pkg/models"
)

const defaultMaxOutputBytes = 64000

// ShellTool runs a command synchronously under /bin/sh, sandboxed to a
// resolved working directory. It never runs in the background: the
// executor awaits exactly one result per ExecuteTool effect (spec §4.2),
// so there is no process table to manage here, unlike the donor's
// exec.Manager which also tracks detached background processes.
type ShellTool struct {
	maxOutput int
}

// NewShellTool builds a shell tool; the working directory is resolved
// per call from the conversation's current working directory, not fixed
// at construction.
func NewShellTool() *ShellTool {
	return &ShellTool{maxOutput: defaultMaxOutputBytes}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the conversation's working directory."
}

func (t *ShellTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute."},
			"cwd": {"type": "string", "description": "Directory relative to the working directory."},
			"timeout_seconds": {"type": "integer", "minimum": 0, "description": "0 = use the tool's default deadline."}
		},
		"required": ["command"]
	}`)
}

type shellInput struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type shellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Execute runs the command, capping wall time at a fast-tool deadline
// (spec §8's 30s default for non-build tools) unless the caller asks for
// less.
func (t *ShellTool) Execute(ctx context.Context, workingDir string, call models.ToolCall) (models.ToolResult, error) {
	var in shellInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return errorResult(call.ID, fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return errorResult(call.ID, "command is required"), nil
	}

	dir := workingDir
	if in.Cwd != "" {
		resolved, err := resolver{root: workingDir}.resolve(in.Cwd)
		if err != nil {
			return errorResult(call.ID, err.Error()), nil
		}
		dir = resolved
	}

	timeout := 30 * time.Second
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout, limit: t.maxOutput}
	cmd.Stderr = &limitWriter{buf: &stderr, limit: t.maxOutput}

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return errorResult(call.ID, fmt.Sprintf("command timed out after %s", timeout)), nil
	}

	out := shellOutput{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode(runErr)}
	payload, err := json.Marshal(out)
	if err != nil {
		return errorResult(call.ID, fmt.Sprintf("encode result: %v", err)), nil
	}
	result := models.ToolResult{
		ToolUseID: call.ID,
		IsError:   out.ExitCode != 0,
		Payload:   models.ResultPayload{Kind: models.ResultKindJSON, JSON: payload},
	}
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitWriter truncates writes past limit without erroring, so a noisy
// command can't exhaust memory; the donor's limitedBuffer does the same.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}
