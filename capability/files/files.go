// Package files provides workspace-scoped filesystem capabilities.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/GoCodeAlone/taskloop/capability"
)

const (
	maxReadBytes   = 256 << 10
	maxGlobMatches = 500
)

// All returns every filesystem capability rooted at workspace.
func All(workspace string) []capability.Capability {
	return []capability.Capability{
		&ListDir{Workspace: workspace},
		&ReadFile{Workspace: workspace},
		&WriteFile{Workspace: workspace},
		&Glob{Workspace: workspace},
	}
}

// ReadOnly returns the capabilities that never modify the workspace.
func ReadOnly(workspace string) []capability.Capability {
	return []capability.Capability{
		&ListDir{Workspace: workspace},
		&ReadFile{Workspace: workspace},
		&Glob{Workspace: workspace},
	}
}

// ReadOnlyNames lists the names of the capabilities ReadOnly returns.
func ReadOnlyNames() []string {
	caps := ReadOnly("")
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Name())
	}
	return names
}

// resolve maps relPath into workspace and rejects anything that escapes it.
func resolve(workspace, relPath string) (string, error) {
	if workspace == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("invalid workspace: %w", err)
	}
	abs, err := filepath.Abs(filepath.Join(root, filepath.Clean(relPath)))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", relPath)
	}
	return abs, nil
}

func pathArg(args map[string]any, def string) string {
	p, _ := args["path"].(string)
	if p == "" {
		return def
	}
	return p
}

func object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// ListDir lists one directory of the workspace.
type ListDir struct {
	Workspace string
}

func (t *ListDir) Name() string        { return "list_dir" }
func (t *ListDir) Description() string { return "List the entries of a directory in the workspace" }
func (t *ListDir) Schema() map[string]any {
	return object(map[string]any{
		"path": map[string]any{"type": "string", "description": "Relative directory path (default: workspace root)"},
	})
}

func (t *ListDir) Execute(_ context.Context, args map[string]any) (any, error) {
	abs, err := resolve(t.Workspace, pathArg(args, "."))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name(), info.Size())
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// ReadFile reads a workspace file, truncated to 256 KiB.
type ReadFile struct {
	Workspace string
}

func (t *ReadFile) Name() string        { return "read_file" }
func (t *ReadFile) Description() string { return "Read a file from the workspace" }
func (t *ReadFile) Schema() map[string]any {
	return object(map[string]any{
		"path": map[string]any{"type": "string", "description": "Relative path to the file"},
	}, "path")
}

func (t *ReadFile) Execute(_ context.Context, args map[string]any) (any, error) {
	path := pathArg(args, "")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	abs, err := resolve(t.Workspace, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n... [truncated]", nil
	}
	return string(data), nil
}

// WriteFile writes a workspace file, creating parent directories.
type WriteFile struct {
	Workspace string
}

func (t *WriteFile) Name() string        { return "write_file" }
func (t *WriteFile) Description() string { return "Write a file to the workspace" }
func (t *WriteFile) Schema() map[string]any {
	return object(map[string]any{
		"path":    map[string]any{"type": "string", "description": "Relative path to the file"},
		"content": map[string]any{"type": "string", "description": "File content to write"},
	}, "path", "content")
}

func (t *WriteFile) Execute(_ context.Context, args map[string]any) (any, error) {
	path := pathArg(args, "")
	content, _ := args["content"].(string)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	abs, err := resolve(t.Workspace, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// Glob matches workspace paths against a doublestar pattern such as **/*.go.
type Glob struct {
	Workspace string
}

func (t *Glob) Name() string        { return "glob" }
func (t *Glob) Description() string { return "Find workspace files matching a glob pattern (supports **)" }
func (t *Glob) Schema() map[string]any {
	return object(map[string]any{
		"pattern": map[string]any{"type": "string", "description": "Pattern relative to the workspace root, e.g. **/*.go"},
	}, "pattern")
}

func (t *Glob) Execute(_ context.Context, args map[string]any) (any, error) {
	pattern, _ := args["pattern"].(string)
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "../") || !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern: %s", pattern)
	}
	root, err := resolve(t.Workspace, ".")
	if err != nil {
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	slices.Sort(matches)
	truncated := false
	if len(matches) > maxGlobMatches {
		matches = matches[:maxGlobMatches]
		truncated = true
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n... [truncated to %d matches]", maxGlobMatches)
	}
	return out, nil
}
