package convtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haasonsaas/convcore/pkg/models"
)

const defaultMaxReadBytes = 200000

// FileReadTool reads a file from the conversation's working directory
// with an offset and a capped byte count, grounded in the donor's
// files.ReadTool.
type FileReadTool struct {
	maxReadLen int
}

// NewFileReadTool caps reads at maxReadBytes (<= 0 falls back to the
// package default). The working directory is resolved per call from the
// conversation's current working directory, not fixed at construction.
func NewFileReadTool(maxReadBytes int) *FileReadTool {
	if maxReadBytes <= 0 {
		maxReadBytes = defaultMaxReadBytes
	}
	return &FileReadTool{maxReadLen: maxReadBytes}
}

func (t *FileReadTool) Name() string { return "read_file" }

func (t *FileReadTool) Description() string {
	return "Read a file from the working directory with an optional offset and byte limit."
}

func (t *FileReadTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the working directory."},
			"offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start reading from."},
			"max_bytes": {"type": "integer", "minimum": 0, "description": "Capped by the tool's configured maximum."}
		},
		"required": ["path"]
	}`)
}

type fileReadInput struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	MaxBytes int    `json:"max_bytes"`
}

func (t *FileReadTool) Execute(_ context.Context, workingDir string, call models.ToolCall) (models.ToolResult, error) {
	var in fileReadInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return errorResult(call.ID, fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Path) == "" {
		return errorResult(call.ID, "path is required"), nil
	}
	if in.Offset < 0 {
		return errorResult(call.ID, "offset must be >= 0"), nil
	}

	resolved, err := resolver{root: workingDir}.resolve(in.Path)
	if err != nil {
		return errorResult(call.ID, err.Error()), nil
	}

	f, err := os.Open(resolved)
	if err != nil {
		return errorResult(call.ID, fmt.Sprintf("open file: %v", err)), nil
	}
	defer f.Close()

	if in.Offset > 0 {
		if _, err := f.Seek(in.Offset, io.SeekStart); err != nil {
			return errorResult(call.ID, fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxReadLen
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}

	data := make([]byte, limit)
	n, err := io.ReadFull(f, data)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return errorResult(call.ID, fmt.Sprintf("read file: %v", err)), nil
	}

	return textResult(call.ID, string(data[:n])), nil
}
