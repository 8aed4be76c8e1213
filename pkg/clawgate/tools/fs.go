package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/policy"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// maxReadBytes bounds how much of a file read_file loads before the result
// ceiling is applied.
const maxReadBytes = 1 << 20

type pathArgs struct {
	Path string `json:"path"`
}

func singlePath(args json.RawMessage) ([]string, error) {
	var a pathArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Path == "" {
		a.Path = "."
	}
	return []string{a.Path}, nil
}

// ReadFileTool reads a text file inside the workspace.
type ReadFileTool struct{}

func (ReadFileTool) Name() string { return "read_file" }
func (ReadFileTool) Kind() Kind   { return KindFilesystem }

func (ReadFileTool) Description() string {
	return "Read a file from the session workspace. Optional offset and limit select a line range."
}

func (ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1, "description": "Path relative to the workspace"},
		"offset": {"type": "integer", "minimum": 1, "description": "First line to return (1-based)"},
		"limit": {"type": "integer", "minimum": 1, "description": "Maximum number of lines"}
	},
	"required": ["path"]
}`)
}

func (ReadFileTool) Paths(args json.RawMessage) ([]string, error) { return singlePath(args) }

func (ReadFileTool) Execute(_ context.Context, inv Invocation) (Result, error) {
	var args struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return Result{}, err
	}
	path, err := policy.Contain(inv.WorkspaceRoot, args.Path)
	if err != nil {
		return Result{}, &RefusalError{Tool: "read_file", Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", args.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", args.Path, err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", args.Path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", args.Path, err)
	}
	text := string(data)
	truncated := info.Size() > maxReadBytes

	if args.Offset > 1 || args.Limit > 0 {
		lines := strings.Split(text, "\n")
		start := args.Offset - 1
		if start < 0 {
			start = 0
		}
		if start >= len(lines) {
			return Result{Text: "(offset beyond end of file)"}, nil
		}
		lines = lines[start:]
		if args.Limit > 0 && args.Limit < len(lines) {
			lines = lines[:args.Limit]
		}
		text = strings.Join(lines, "\n")
	}
	return Result{Text: text, Truncated: truncated}, nil
}

// WriteFileTool writes or appends to a file inside the workspace.
type WriteFileTool struct{}

func (WriteFileTool) Name() string { return "write_file" }
func (WriteFileTool) Kind() Kind   { return KindFilesystem }

func (WriteFileTool) Description() string {
	return "Write content to a file in the session workspace, creating parent directories."
}

func (WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"append": {"type": "boolean", "description": "Append instead of replacing"}
	},
	"required": ["path", "content"]
}`)
}

func (WriteFileTool) Paths(args json.RawMessage) ([]string, error) { return singlePath(args) }

func (WriteFileTool) Execute(_ context.Context, inv Invocation) (Result, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return Result{}, err
	}
	path, err := policy.Contain(inv.WorkspaceRoot, args.Path)
	if err != nil {
		return Result{}, &RefusalError{Tool: "write_file", Err: err}
	}

	if args.Append {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Result{}, fmt.Errorf("create directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY|openNoFollow, 0o644)
		if err != nil {
			return Result{}, fmt.Errorf("open %s: %w", args.Path, err)
		}
		_, werr := f.WriteString(args.Content)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return Result{}, fmt.Errorf("append %s: %w", args.Path, werr)
		}
		return Result{Text: fmt.Sprintf("Appended %d bytes to %s", len(args.Content), args.Path)}, nil
	}

	if err := store.WriteFileAtomic(path, []byte(args.Content), 0o644); err != nil {
		return Result{}, err
	}
	return Result{Text: fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path)}, nil
}

// ListDirTool lists a directory inside the workspace.
type ListDirTool struct{}

func (ListDirTool) Name() string { return "list_dir" }
func (ListDirTool) Kind() Kind   { return KindFilesystem }

func (ListDirTool) Description() string {
	return "List the entries of a directory in the session workspace."
}

func (ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Directory relative to the workspace (default: workspace root)"}
	}
}`)
}

func (ListDirTool) Paths(args json.RawMessage) ([]string, error) { return singlePath(args) }

func (ListDirTool) Execute(_ context.Context, inv Invocation) (Result, error) {
	paths, err := singlePath(inv.Arguments)
	if err != nil {
		return Result{}, err
	}
	path, err := policy.Contain(inv.WorkspaceRoot, paths[0])
	if err != nil {
		return Result{}, &RefusalError{Tool: "list_dir", Err: err}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", paths[0], err)
	}
	if len(entries) == 0 {
		return Result{Text: "(empty directory)"}, nil
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		size := int64(0)
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s\t%d\n", e.Name(), size)
	}
	return Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}
